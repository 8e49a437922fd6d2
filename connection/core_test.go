package connection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imshost/connection"
	"imshost/eventbus"
	"imshost/message"
	"imshost/report"
	"imshost/transfer"
	"imshost/transport/looptest"
)

func fastConfig() connection.Config {
	cfg := connection.DefaultSerialConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RxTimeout = 60 * time.Millisecond
	cfg.SendTimeout = 200 * time.Millisecond
	cfg.AutoFreeTimeout = 200 * time.Millisecond
	return cfg
}

// S1: an echoing loopback drives SendMsgBlocking to a done response
// with the same payload length within rx_timeout.
func TestS1EchoRoundTrip(t *testing.T) {
	d := looptest.New()
	d.Echo = func(data []byte) []byte { return append([]byte(nil), data...) }

	core := connection.New(d, fastConfig())
	require.True(t, core.Connect())
	defer core.Disconnect()

	payload := make([]byte, 16)
	resp := core.SendMsgBlocking(report.HostReport{
		Action: report.ActionRegisterRead, Direction: report.DirectionRead,
		Address: 0, Length: 16, Payload: payload,
	})
	require.True(t, resp.Done)
	require.Len(t, resp.Payload, 16)
}

// S2: a loopback that swallows every request drives the Message to
// TIMEOUT_ON_RXCV and fires exactly one RESPONSE_TIMED_OUT for its
// handle.
func TestS2RxTimeout(t *testing.T) {
	d := looptest.New()
	cfg := fastConfig()
	core := connection.New(d, cfg)
	require.True(t, core.Connect())
	defer core.Disconnect()

	events := make(chan message.Handle, 4)
	core.MessageEventSubscribe(eventbus.ResponseTimedOut, func(p1, p2 any) {
		events <- p1.(message.Handle)
	})

	h := core.SendMsg(report.HostReport{Action: report.ActionRegisterRead, Direction: report.DirectionRead, Address: 1})
	require.NotEqual(t, message.NullMessage, h)

	select {
	case got := <-events:
		require.Equal(t, h, got)
	case <-time.After(2 * time.Second):
		t.Fatal("RESPONSE_TIMED_OUT never fired")
	}

	select {
	case extra := <-events:
		t.Fatalf("unexpected second event for handle %d", extra)
	case <-time.After(cfg.RxTimeout * 2):
	}
}

// S3: the 2nd WriteControl call fails; the first Message is sent
// normally and the second ends in SEND_ERROR.
func TestS3SendError(t *testing.T) {
	d := looptest.New()
	d.SendErr = assertErr{}
	d.FailOnCall = 2

	core := connection.New(d, fastConfig())
	require.True(t, core.Connect())
	defer core.Disconnect()

	sendErrs := make(chan message.Handle, 4)
	core.MessageEventSubscribe(eventbus.SendError, func(p1, p2 any) {
		sendErrs <- p1.(message.Handle)
	})

	h1 := core.SendMsg(report.HostReport{Action: report.ActionRegisterRead, Address: 1})
	h2 := core.SendMsg(report.HostReport{Action: report.ActionRegisterRead, Address: 2})
	require.NotEqual(t, message.NullMessage, h1)
	require.NotEqual(t, message.NullMessage, h2)

	select {
	case got := <-sendErrs:
		require.Equal(t, h2, got)
	case <-time.After(2 * time.Second):
		t.Fatal("SEND_ERROR never fired for the second message")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated write_control failure" }

// S4: a stray 0xFF ahead of a valid frame fires UNEXPECTED_RX_CHAR but
// the Message still reaches RX_OK once the valid frame follows.
func TestS4UnexpectedByteRecovery(t *testing.T) {
	d := looptest.New()
	core := connection.New(d, fastConfig())
	require.True(t, core.Connect())
	defer core.Disconnect()

	unexpected := make(chan byte, 4)
	core.MessageEventSubscribe(eventbus.UnexpectedRxChar, func(p1, p2 any) {
		unexpected <- p1.(byte)
	})

	req := report.HostReport{Action: report.ActionRegisterRead, Direction: report.DirectionRead, Address: 7, Length: 2, Payload: []byte{0xAA, 0xBB}}
	h := core.SendMsg(req)
	require.NotEqual(t, message.NullMessage, h)

	codec := report.Codec{}
	validFrame, err := codec.Encode(req)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	d.InjectResponse(append([]byte{0xFF}, validFrame...))

	select {
	case b := <-unexpected:
		require.Equal(t, byte(0xFF), b)
	case <-time.After(2 * time.Second):
		t.Fatal("UNEXPECTED_RX_CHAR never fired")
	}

	m := core.Registry().Lookup(h)
	require.NotNil(t, m)
	resp := m.WaitForCompletion(time.After(2 * time.Second))
	require.True(t, resp.Done)
	require.Equal(t, message.StatusRxOK, m.Status())
}

// S5: a pipelined upload with max_in_flight=16 reassembles 4096 bytes
// in request order and fires MEMORY_TRANSFER_COMPLETE with the right
// byte count.
func TestS5PipelinedUpload(t *testing.T) {
	const total = 4096
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 256)
	}

	policy := transfer.Policy{TransferUnit: 64, DLChunk: 64, ULChunk: 64, DMAMaxBytes: 1024}
	codec := report.Codec{}

	d := looptest.New()
	d.Echo = func(frame []byte) []byte {
		p := report.NewParser()
		for _, b := range frame {
			if p.Step(b) {
				break
			}
		}
		req := p.Report
		if req.Action == report.ActionImageDMAPrime {
			resp, _ := codec.Encode(report.HostReport{Action: req.Action, Direction: req.Direction})
			return resp
		}
		chunkIndex := int(req.Address) | int(req.Context)<<16
		offset := (chunkIndex - 1) * policy.TransferUnit
		chunk := append([]byte(nil), data[offset:offset+policy.TransferUnit]...)
		resp, _ := codec.Encode(report.HostReport{
			Action: req.Action, Direction: req.Direction, Address: req.Address,
			Context: req.Context, Length: uint16(len(chunk)), Payload: chunk,
		})
		return resp
	}

	core := connection.New(d, fastConfig(), connection.WithTransferPolicy(policy))
	require.True(t, core.Connect())
	defer core.Disconnect()

	done := make(chan struct{})
	var bytesTransferred int
	var result []byte
	core.MessageEventSubscribe(eventbus.MemoryTransferComplete, func(p1, p2 any) {
		bytesTransferred = p1.(int)
		if buf, ok := p2.([]byte); ok {
			result = buf
		}
		close(done)
	})

	ok := core.MemoryUpload(0, total, 0, [16]byte{})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("MEMORY_TRANSFER_COMPLETE never fired")
	}

	require.Equal(t, total, bytesTransferred)
	require.Equal(t, data, result)
}

// S6: a misaligned start address is rejected synchronously and fires
// nothing.
func TestS6AlignmentRejection(t *testing.T) {
	d := looptest.New()
	core := connection.New(d, fastConfig())
	require.True(t, core.Connect())
	defer core.Disconnect()

	fired := false
	core.MessageEventSubscribe(eventbus.MemoryTransferNotIdle, func(p1, p2 any) { fired = true })
	core.MessageEventSubscribe(eventbus.MemoryTransferError, func(p1, p2 any) { fired = true })
	core.MessageEventSubscribe(eventbus.MemoryTransferComplete, func(p1, p2 any) { fired = true })

	ok := core.MemoryDownload(make([]byte, 64), 0x5, 0, [16]byte{})
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	require.False(t, fired)
}
