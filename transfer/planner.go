package transfer

import (
	"sync"

	"imshost/message"
	"imshost/report"
	"imshost/transport"
)

// Host is the slice of connection.Core the Planner needs: posting
// ordinary requests, looking messages up by handle, waiting on the
// registry's broadcast condition when the in-flight budget is
// saturated, and (for the legacy bulk path) the raw transport.Driver.
type Host interface {
	SendMsg(req report.HostReport) message.Handle
	Registry() *message.Registry
	BulkDriver() transport.Driver
}

type plannerState int

const (
	stateIdle plannerState = iota
	stateRunning
)

// Result is what Download/Upload report back to the caller; the
// Connection Core's MemoryTransfer goroutine turns it into
// MEMORY_TRANSFER_COMPLETE/MEMORY_TRANSFER_ERROR events.
type Result struct {
	BytesTransferred int
	Failed           bool
	FailedChunk      int
}

// Planner owns the policy and the IDLE/RUNNING state of one transfer
// engine; spec.md models RS-422's two memory-transfer policies and
// USB's as the same Planner parameterised by Policy.
type Planner struct {
	policy Policy

	mu        sync.Mutex
	state     plannerState
	completed int
}

// NewPlanner returns an IDLE Planner for policy.
func NewPlanner(policy Policy) *Planner {
	return &Planner{policy: policy}
}

// Policy returns the planner's chunking policy.
func (p *Planner) Policy() Policy { return p.policy }

// Progress is the best-effort byte count transferred so far, or -1 if
// the planner is IDLE.
func (p *Planner) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateIdle {
		return -1
	}
	return p.completed
}

// begin transitions IDLE->RUNNING, or reports false if already
// running (MEMORY_TRANSFER_NOT_IDLE).
func (p *Planner) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning {
		return false
	}
	p.state = stateRunning
	p.completed = 0
	return true
}

func (p *Planner) finish() {
	p.mu.Lock()
	p.state = stateIdle
	p.mu.Unlock()
}

func (p *Planner) addCompleted(n int) {
	p.mu.Lock()
	p.completed += n
	p.mu.Unlock()
}

// IsRunning reports whether a transfer is in progress.
func (p *Planner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// outstandingChunk tracks one in-flight chunk request: its handle, its
// 1-based chunk index (for the failure-reporting contract) and, for
// uploads, where its payload belongs in the destination buffer.
type outstandingChunk struct {
	handle message.Handle
	index  int
	offset int
	length int
}

// chunkAddrContext splits a 1-based chunk index across the 16-bit
// address field and the 8-bit context field, per spec.md §4.6:
// "indices above 0xFFFF overflow into an 8-bit context field".
func chunkAddrContext(index int) (addr uint16, ctx uint8) {
	return uint16(index), uint8(index >> 16)
}

// padLength rounds n up to the next multiple of unit.
func padLength(n, unit int) int {
	if unit <= 0 {
		return n
	}
	rem := n % unit
	if rem == 0 {
		return n
	}
	return n + (unit - rem)
}

// collectCompletions scans inFlight for handles that have reached a
// terminal status, copies upload payloads into dest at their recorded
// offset, and returns the chunks still outstanding. It scans every
// chunk even after a failure, counting each successful one so
// Progress/dest stay accurate; failed chunks are dropped from the
// remaining set, and when several fail in one scan failedChunk is the
// index of the last one scanned.
func collectCompletions(host Host, inFlight []outstandingChunk, dest []byte) (remaining []outstandingChunk, transferred int, failed bool, failedChunk int) {
	remaining = make([]outstandingChunk, 0, len(inFlight))
	for _, oc := range inFlight {
		m := host.Registry().Lookup(oc.handle)
		if m == nil || !m.IsComplete() {
			remaining = append(remaining, oc)
			continue
		}
		resp := m.Response()
		if !resp.OK() {
			failed = true
			failedChunk = oc.index
			continue
		}
		if dest != nil && oc.length > 0 {
			copy(dest[oc.offset:oc.offset+oc.length], resp.Payload)
		}
		transferred += oc.length
	}
	return remaining, transferred, failed, failedChunk
}

// Download splits buf (rounded up to a multiple of TransferUnit) into
// IMAGE/WRITE chunks and pipelines them, never exceeding MaxInFlight
// outstanding handles. stop lets a Disconnect in progress unblock a
// saturated wait instead of hanging forever.
func (p *Planner) Download(host Host, buf []byte, startAddr uint64, imageIndex uint8, stop <-chan struct{}) Result {
	if !p.begin() {
		return Result{Failed: true, FailedChunk: -1}
	}
	defer p.finish()

	unit := p.policy.TransferUnit
	total := padLength(len(buf), unit)
	padded := make([]byte, total)
	copy(padded, buf)

	chunkCount := total / unit
	maxInFlight := p.policy.MaxInFlight()

	var inFlight []outstandingChunk
	aborted := false
	failedChunk := 0

	for i := 0; i < chunkCount; i++ {
		for len(inFlight) >= maxInFlight {
			var n int
			var failed bool
			inFlight, n, failed, failedChunk = collectCompletions(host, inFlight, nil)
			p.addCompleted(n)
			if failed {
				aborted = true
				break
			}
			if len(inFlight) >= maxInFlight {
				host.Registry().Wait(stop)
			}
		}
		if aborted {
			break
		}

		chunkIndex := i + 1
		addr, ctx := chunkAddrContext(chunkIndex)
		payload := padded[i*unit : (i+1)*unit]
		req := report.HostReport{
			Action:    report.ActionImageWrite,
			Direction: report.DirectionWrite,
			Address:   addr,
			Context:   ctx,
			Length:    uint16(len(payload)),
			Payload:   payload,
		}
		h := host.SendMsg(req)
		inFlight = append(inFlight, outstandingChunk{handle: h, index: chunkIndex, length: len(payload)})
	}

	for len(inFlight) > 0 {
		var n int
		var failed bool
		var fc int
		inFlight, n, failed, fc = collectCompletions(host, inFlight, nil)
		p.addCompleted(n)
		if failed {
			aborted = true
			failedChunk = fc
		}
		if len(inFlight) > 0 {
			host.Registry().Wait(stop)
		}
	}

	if aborted {
		return Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: failedChunk}
	}
	return Result{BytesTransferred: total}
}

// Upload issues a synchronous IMAGE/DMA-prime request so the device
// primes its DMA engine, then pipelines IMAGE/READ chunks into dest
// (sized to ceil(length/TransferUnit)*TransferUnit), filling it in
// request order regardless of completion order.
func (p *Planner) Upload(host Host, startAddr uint64, length int, imageIndex uint8, stop <-chan struct{}) ([]byte, Result) {
	if !p.begin() {
		return nil, Result{Failed: true, FailedChunk: -1}
	}
	defer p.finish()

	prime := report.HostReport{Action: report.ActionImageDMAPrime, Direction: report.DirectionWrite, Context: imageIndex}
	primeHandle := host.SendMsg(prime)
	if primeHandle == message.NullMessage {
		return nil, Result{Failed: true, FailedChunk: 0}
	}
	primeMsg := host.Registry().Lookup(primeHandle)
	if primeMsg == nil {
		return nil, Result{Failed: true, FailedChunk: 0}
	}
	if resp := primeMsg.WaitForCompletion(stop); !resp.OK() {
		return nil, Result{Failed: true, FailedChunk: 0}
	}

	unit := p.policy.TransferUnit
	total := padLength(length, unit)
	dest := make([]byte, total)
	chunkCount := total / unit
	maxInFlight := p.policy.MaxInFlight()

	var inFlight []outstandingChunk
	aborted := false
	failedChunk := 0

	for i := 0; i < chunkCount; i++ {
		for len(inFlight) >= maxInFlight {
			var n int
			var failed bool
			inFlight, n, failed, failedChunk = collectCompletions(host, inFlight, dest)
			p.addCompleted(n)
			if failed {
				aborted = true
				break
			}
			if len(inFlight) >= maxInFlight {
				host.Registry().Wait(stop)
			}
		}
		if aborted {
			break
		}

		chunkIndex := i + 1
		addr, ctx := chunkAddrContext(chunkIndex)
		req := report.HostReport{
			Action:    report.ActionImageRead,
			Direction: report.DirectionRead,
			Address:   addr,
			Context:   ctx,
			Length:    uint16(unit),
		}
		h := host.SendMsg(req)
		inFlight = append(inFlight, outstandingChunk{handle: h, index: chunkIndex, offset: i * unit, length: unit})
	}

	for len(inFlight) > 0 {
		var n int
		var failed bool
		var fc int
		inFlight, n, failed, fc = collectCompletions(host, inFlight, dest)
		p.addCompleted(n)
		if failed {
			aborted = true
			failedChunk = fc
		}
		if len(inFlight) > 0 {
			host.Registry().Wait(stop)
		}
	}

	if aborted {
		return dest, Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: failedChunk}
	}
	return dest, Result{BytesTransferred: total}
}

// DownloadBulk is the legacy CYUSB-style path (spec.md §4.6): one
// IMAGE/DMA-prime control report per chunk, synchronously awaited, then
// a raw WriteBulk of TransferUnit bytes against the transport itself,
// bypassing the control-path Message pipeline for payload bytes. Only
// control timing and errors flow through Message status.
func (p *Planner) DownloadBulk(host Host, buf []byte, imageIndex uint8, stop <-chan struct{}) Result {
	if !p.begin() {
		return Result{Failed: true, FailedChunk: -1}
	}
	defer p.finish()

	driver := host.BulkDriver()
	unit := p.policy.TransferUnit
	total := padLength(len(buf), unit)
	padded := make([]byte, total)
	copy(padded, buf)
	chunkCount := total / unit

	for i := 0; i < chunkCount; i++ {
		chunkIndex := i + 1
		addr, ctx := chunkAddrContext(chunkIndex)
		prime := report.HostReport{Action: report.ActionImageDMAPrime, Direction: report.DirectionWrite, Address: addr, Context: ctx}
		h := host.SendMsg(prime)
		m := host.Registry().Lookup(h)
		if m == nil {
			return Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}
		if resp := m.WaitForCompletion(stop); !resp.OK() {
			return Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}

		if _, err := driver.WriteBulk(padded[i*unit : (i+1)*unit]); err != nil {
			return Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}
		p.addCompleted(unit)
	}
	return Result{BytesTransferred: total}
}

// UploadBulk mirrors DownloadBulk for reads: prime, then raw ReadBulk
// of TransferUnit bytes per chunk.
func (p *Planner) UploadBulk(host Host, length int, imageIndex uint8, stop <-chan struct{}) ([]byte, Result) {
	if !p.begin() {
		return nil, Result{Failed: true, FailedChunk: -1}
	}
	defer p.finish()

	driver := host.BulkDriver()
	unit := p.policy.TransferUnit
	total := padLength(length, unit)
	dest := make([]byte, total)
	chunkCount := total / unit

	for i := 0; i < chunkCount; i++ {
		chunkIndex := i + 1
		addr, ctx := chunkAddrContext(chunkIndex)
		prime := report.HostReport{Action: report.ActionImageDMAPrime, Direction: report.DirectionRead, Address: addr, Context: ctx}
		h := host.SendMsg(prime)
		m := host.Registry().Lookup(h)
		if m == nil {
			return dest, Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}
		if resp := m.WaitForCompletion(stop); !resp.OK() {
			return dest, Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}

		n, err := driver.ReadBulk(dest[i*unit : (i+1)*unit])
		if err != nil {
			return dest, Result{BytesTransferred: p.Progress(), Failed: true, FailedChunk: chunkIndex}
		}
		p.addCompleted(n)
	}
	return dest, Result{BytesTransferred: total}
}
