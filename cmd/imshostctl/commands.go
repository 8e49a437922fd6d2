package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"imshost/connection"
	"imshost/eventbus"
	"imshost/report"
	"imshost/transport"
	"imshost/transport/serial"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "imshostctl",
		Short: "Connection Core CLI for the modular RF synthesiser",
		Long:  "imshostctl drives the Connection Core against a live device: it opens a transport, sends reports, runs fast memory transfers and prints device events.",
	}
	root.PersistentFlags().StringVar(&devicePath, "device", "/dev/ttyUSB0", "transport device path (serial transport only)")
	root.PersistentFlags().StringVar(&transportKind, "transport", "serial", "transport kind: serial")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newConnectCmd(), newSendCmd(), newDownloadCmd(), newUploadCmd(), newEventsCmd())
	return root
}

// openCore builds a transport.Driver for the selected --transport and
// returns a connected Core, or an error if the link could not be
// opened.
func openCore() (*connection.Core, error) {
	var driver transport.Driver
	switch transportKind {
	case "serial":
		driver = serial.New(serial.DefaultConfig(devicePath))
	default:
		return nil, fmt.Errorf("unknown transport %q", transportKind)
	}

	c := connection.New(driver, connection.DefaultSerialConfig(), connection.WithLogger(newLogger()))
	if !c.Connect() {
		return nil, fmt.Errorf("failed to connect over %s", transportKind)
	}
	return c, nil
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the transport and report whether the link came up",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Disconnect()
			fmt.Printf("connected over %s (%s)\n", transportKind, devicePath)
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	var (
		action    string
		direction string
		address   uint16
		ctxByte   uint8
		length    uint16
		payload   string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one HostReport and print the DeviceReport it elicits",
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := parseAction(action)
			if err != nil {
				return err
			}
			dir, err := parseDirection(direction)
			if err != nil {
				return err
			}
			var payloadBytes []byte
			if payload != "" {
				payloadBytes, err = hex.DecodeString(payload)
				if err != nil {
					return fmt.Errorf("--payload must be hex: %w", err)
				}
			}

			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			resp := c.SendMsgBlocking(report.HostReport{
				Action: act, Direction: dir, Address: address, Context: ctxByte,
				Length: length, Payload: payloadBytes,
			})
			printReport(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "register_read", "register_read|register_write|image_read|image_write|image_dma_prime|eeprom|interrupts_disable")
	cmd.Flags().StringVar(&direction, "direction", "read", "read|write")
	cmd.Flags().Uint16Var(&address, "address", 0, "16-bit address")
	cmd.Flags().Uint8Var(&ctxByte, "context", 0, "context byte (high bit survives on the wire)")
	cmd.Flags().Uint16Var(&length, "length", 0, "payload length")
	cmd.Flags().StringVar(&payload, "payload", "", "hex-encoded payload bytes")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		file       string
		startAddr  uint64
		imageIndex uint8
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Write a local file's bytes to device memory via the fast-transfer path",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			_, err = runTransfer(c, func() bool {
				return c.MemoryDownload(buf, startAddr, imageIndex, [16]byte{})
			})
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to device address 0x%x\n", len(buf), startAddr)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "local file to write to the device")
	cmd.Flags().Uint64Var(&startAddr, "addr", 0, "device start address")
	cmd.Flags().Uint8Var(&imageIndex, "image-index", 0, "image index")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var (
		out        string
		startAddr  uint64
		length     int
		imageIndex uint8
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Read device memory via the fast-transfer path and write it to a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			result, err := runTransfer(c, func() bool {
				return c.MemoryUpload(startAddr, length, imageIndex, [16]byte{})
			})
			if err != nil {
				return err
			}
			if len(result) > length {
				result = result[:length]
			}
			if err := os.WriteFile(out, result, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("read %d bytes from device address 0x%x into %s\n", len(result), startAddr, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "local file to write the uploaded bytes to")
	cmd.Flags().Uint64Var(&startAddr, "addr", 0, "device start address")
	cmd.Flags().IntVar(&length, "length", 0, "number of bytes to read")
	cmd.Flags().Uint8Var(&imageIndex, "image-index", 0, "image index")
	cmd.MarkFlagRequired("out")
	cmd.MarkFlagRequired("length")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Connect and print every event the Connection Core fires until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			for k := eventbus.DeviceNotAvailable; k <= eventbus.MemoryTransferError; k++ {
				kind := k
				c.MessageEventSubscribe(kind, func(p1, p2 any) {
					fmt.Printf("%s %v %v\n", kind, p1, p2)
				})
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

// runTransfer subscribes to the fast-transfer completion/error events
// before calling start, so a result racing in before the subscription
// exists can never be missed, then blocks for the matching event. The
// returned buffer is only meaningful for uploads; downloads ignore it.
func runTransfer(c *connection.Core, start func() bool) ([]byte, error) {
	type outcome struct {
		buf []byte
		err error
	}
	done := make(chan outcome, 1)

	completeSub := c.MessageEventSubscribe(eventbus.MemoryTransferComplete, func(p1, p2 any) {
		buf, _ := p2.([]byte)
		done <- outcome{buf: buf}
	})
	errSub := c.MessageEventSubscribe(eventbus.MemoryTransferError, func(p1, p2 any) {
		done <- outcome{err: fmt.Errorf("transfer failed at chunk %v", p1)}
	})
	defer c.MessageEventUnsubscribe(completeSub)
	defer c.MessageEventUnsubscribe(errSub)

	if !start() {
		return nil, fmt.Errorf("transfer rejected (already running, or address unaligned)")
	}
	r := <-done
	return r.buf, r.err
}

func parseAction(s string) (report.Action, error) {
	switch s {
	case "register_read":
		return report.ActionRegisterRead, nil
	case "register_write":
		return report.ActionRegisterWrite, nil
	case "image_read":
		return report.ActionImageRead, nil
	case "image_write":
		return report.ActionImageWrite, nil
	case "image_dma_prime":
		return report.ActionImageDMAPrime, nil
	case "eeprom":
		return report.ActionEEPROM, nil
	case "interrupts_disable":
		return report.ActionInterruptsDisable, nil
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return report.Action(n), nil
		}
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

func parseDirection(s string) (report.Direction, error) {
	switch s {
	case "read":
		return report.DirectionRead, nil
	case "write":
		return report.DirectionWrite, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want read|write)", s)
	}
}

func printReport(r report.DeviceReport) {
	fmt.Printf("done=%v ok=%v action=%v address=0x%04x length=%d\n", r.Done, r.OK(), r.Action, r.Address, r.Length)
	if len(r.Payload) > 0 {
		fmt.Printf("payload=%s\n", hex.EncodeToString(r.Payload))
	}
	if r.RxCRCError || r.TxCRCError || r.TxTimeout || r.GeneralError || r.HardwareAlarm {
		fmt.Printf("flags: rx_crc=%v tx_crc=%v tx_timeout=%v general=%v hw_alarm=%v\n",
			r.RxCRCError, r.TxCRCError, r.TxTimeout, r.GeneralError, r.HardwareAlarm)
	}
}
