package transfer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imshost/message"
	"imshost/report"
	"imshost/transfer"
	"imshost/transport"
)

// fakeHost is a minimal transfer.Host: SendMsg spawns a goroutine that
// feeds the Message the bytes respond returns (after delay), then
// broadcasts the registry so a blocked Planner wakes up. It tracks the
// high-water mark of concurrently outstanding handles so tests can
// assert the in-flight budget was honoured.
type fakeHost struct {
	registry *message.Registry
	respond  func(req report.HostReport) []byte
	delay    time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func newFakeHost(respond func(req report.HostReport) []byte, delay time.Duration) *fakeHost {
	return &fakeHost{registry: message.NewRegistry(), respond: respond, delay: delay}
}

func (h *fakeHost) Registry() *message.Registry  { return h.registry }
func (h *fakeHost) BulkDriver() transport.Driver { return nil }

func (h *fakeHost) observedMax() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxInFlight
}

func (h *fakeHost) SendMsg(req report.HostReport) message.Handle {
	m := message.New(req)
	h.registry.Insert(m)

	h.mu.Lock()
	h.inFlight++
	if h.inFlight > h.maxInFlight {
		h.maxInFlight = h.inFlight
	}
	h.mu.Unlock()

	go func() {
		if h.delay > 0 {
			time.Sleep(h.delay)
		}
		frame := h.respond(req)
		for _, b := range frame {
			if done, _, _ := m.FeedByte(b); done {
				break
			}
		}
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
		h.registry.Broadcast()
	}()
	return m.Handle()
}

func TestDownloadHonoursInFlightBudget(t *testing.T) {
	codec := report.Codec{}
	respond := func(req report.HostReport) []byte {
		frame, _ := codec.Encode(report.HostReport{Action: req.Action, Direction: req.Direction, Address: req.Address, Context: req.Context})
		return frame
	}
	host := newFakeHost(respond, 5*time.Millisecond)

	policy := transfer.Policy{TransferUnit: 16, DLChunk: 16, ULChunk: 16, DMAMaxBytes: 64} // max_in_flight = 4
	require.Equal(t, 4, policy.MaxInFlight())

	p := transfer.NewPlanner(policy)
	buf := make([]byte, 16*20) // 20 chunks
	stop := make(chan struct{})

	result := p.Download(host, buf, 0, 0, stop)
	require.False(t, result.Failed)
	require.Equal(t, len(buf), result.BytesTransferred)
	require.LessOrEqual(t, host.observedMax(), policy.MaxInFlight())
}

func TestUploadFillsDestInRequestOrderDespiteOutOfOrderCompletion(t *testing.T) {
	const total = 512
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}

	codec := report.Codec{}
	policy := transfer.Policy{TransferUnit: 32, DLChunk: 32, ULChunk: 32, DMAMaxBytes: 128} // max_in_flight = 4

	respond := func(req report.HostReport) []byte {
		if req.Action == report.ActionImageDMAPrime {
			frame, _ := codec.Encode(report.HostReport{Action: req.Action, Direction: req.Direction})
			return frame
		}
		chunkIndex := int(req.Address) | int(req.Context)<<16
		offset := (chunkIndex - 1) * policy.TransferUnit
		chunk := append([]byte(nil), data[offset:offset+policy.TransferUnit]...)
		frame, _ := codec.Encode(report.HostReport{
			Action: req.Action, Direction: req.Direction, Address: req.Address,
			Context: req.Context, Length: uint16(len(chunk)), Payload: chunk,
		})
		return frame
	}
	// Later-indexed chunks answer faster than earlier ones, so
	// completion order is reversed relative to request order.
	host := newFakeHost(func(req report.HostReport) []byte {
		if req.Action != report.ActionImageDMAPrime {
			chunkIndex := int(req.Address) | int(req.Context)<<16
			time.Sleep(time.Duration(20-chunkIndex) * time.Millisecond / 4)
		}
		return respond(req)
	}, 0)

	p := transfer.NewPlanner(policy)
	dest, result := p.Upload(host, 0, total, 0, make(chan struct{}))
	require.False(t, result.Failed)
	require.Equal(t, total, result.BytesTransferred)
	require.Equal(t, data, dest)
}

func TestDownloadAbortsAndDrainsOnChunkFailure(t *testing.T) {
	codec := report.Codec{}
	const failAt = 3 // 1-based chunk index that gets a corrupted CRC

	respond := func(req report.HostReport) []byte {
		chunkIndex := int(req.Address) | int(req.Context)<<16
		frame, _ := codec.Encode(report.HostReport{Action: req.Action, Direction: req.Direction, Address: req.Address, Context: req.Context})
		if chunkIndex == failAt {
			frame[len(frame)-1] ^= 0xFF
		}
		return frame
	}
	host := newFakeHost(respond, 2*time.Millisecond)

	policy := transfer.Policy{TransferUnit: 16, DLChunk: 16, ULChunk: 16, DMAMaxBytes: 32} // max_in_flight = 2
	p := transfer.NewPlanner(policy)
	buf := make([]byte, 16*10)

	done := make(chan struct{})
	var result transfer.Result
	go func() {
		result = p.Download(host, buf, 0, 0, make(chan struct{}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Download never returned after a chunk failure")
	}

	require.True(t, result.Failed)
	require.Equal(t, failAt, result.FailedChunk)
	require.False(t, p.IsRunning())
}

func TestPlannerRejectsConcurrentTransfer(t *testing.T) {
	codec := report.Codec{}
	respond := func(req report.HostReport) []byte {
		frame, _ := codec.Encode(report.HostReport{Action: req.Action, Direction: req.Direction, Address: req.Address, Context: req.Context})
		return frame
	}
	host := newFakeHost(respond, 20*time.Millisecond)
	policy := transfer.Policy{TransferUnit: 16, DLChunk: 16, ULChunk: 16, DMAMaxBytes: 16}
	p := transfer.NewPlanner(policy)

	started := make(chan struct{})
	go func() {
		close(started)
		p.Download(host, make([]byte, 16*5), 0, 0, make(chan struct{}))
	}()
	<-started
	time.Sleep(2 * time.Millisecond)
	require.True(t, p.IsRunning())

	result := p.Download(host, make([]byte, 16), 0, 0, make(chan struct{}))
	require.True(t, result.Failed)
	require.Equal(t, -1, result.FailedChunk)
}
