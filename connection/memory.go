package connection

import (
	"imshost/eventbus"
	"imshost/message"
	"imshost/transfer"
	"imshost/transport"
)

// Registry exposes the registry transfer.Planner correlates in-flight
// chunk handles against; it satisfies transfer.Host.
func (c *Core) Registry() *message.Registry { return c.registry }

// BulkDriver exposes the raw transport.Driver for the legacy bulk
// transfer path; it satisfies transfer.Host.
func (c *Core) BulkDriver() transport.Driver { return c.driver }

type transferKind int

const (
	kindDownload transferKind = iota
	kindUpload
)

// transferJob is what MemoryDownload/MemoryUpload hand to the
// MemoryTransfer worker; acceptance (alignment, IDLE-ness) is checked
// synchronously before the job is queued.
type transferJob struct {
	kind       transferKind
	buf        []byte
	length     int
	startAddr  uint64
	imageIndex uint8
	uuid       [16]byte
}

// usesLegacyBulk reports whether the bound driver offers a real bulk
// endpoint, selecting the raw write_bulk/read_bulk path over the
// default control-path chunking.
func (c *Core) usesLegacyBulk() bool {
	bc, ok := c.driver.(transport.BulkCapable)
	return ok && bc.SupportsBulk()
}

// MemoryDownload queues buf for a block-memory download. Accepted only
// when the planner is IDLE and startAddr is 8-byte aligned; rejection
// is synchronous and fires nothing for the alignment case, and
// MEMORY_TRANSFER_NOT_IDLE when a transfer is already running.
func (c *Core) MemoryDownload(buf []byte, startAddr uint64, imageIndex uint8, uuid [16]byte) bool {
	if startAddr%8 != 0 {
		return false
	}
	if c.planner.IsRunning() {
		c.bus.Trigger(eventbus.MemoryTransferNotIdle, nil)
		return false
	}
	select {
	case c.transferJobs <- transferJob{kind: kindDownload, buf: buf, startAddr: startAddr, imageIndex: imageIndex, uuid: uuid}:
		return true
	default:
		c.bus.Trigger(eventbus.MemoryTransferNotIdle, nil)
		return false
	}
}

// MemoryUpload queues a block-memory upload of length bytes starting
// at startAddr, under the same preconditions as MemoryDownload. Before
// the chunked pipeline starts, the planner performs a synchronous
// image-index prepare request so the device primes its DMA; the
// resulting buffer rides along as MEMORY_TRANSFER_COMPLETE's second
// event parameter.
func (c *Core) MemoryUpload(startAddr uint64, length int, imageIndex uint8, uuid [16]byte) bool {
	if startAddr%8 != 0 {
		return false
	}
	if c.planner.IsRunning() {
		c.bus.Trigger(eventbus.MemoryTransferNotIdle, nil)
		return false
	}
	select {
	case c.transferJobs <- transferJob{kind: kindUpload, length: length, startAddr: startAddr, imageIndex: imageIndex, uuid: uuid}:
		return true
	default:
		c.bus.Trigger(eventbus.MemoryTransferNotIdle, nil)
		return false
	}
}

// MemoryProgress is the planner's best-effort transferred-byte count,
// or -1 while IDLE.
func (c *Core) MemoryProgress() int { return c.planner.Progress() }

// memoryTransfer waits for a queued FastTransfer job and runs the
// planner, firing MEMORY_TRANSFER_COMPLETE or MEMORY_TRANSFER_ERROR
// and returning the planner to IDLE.
func (c *Core) memoryTransfer() {
	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.transferJobs:
			c.runTransfer(job)
		}
	}
}

func (c *Core) runTransfer(job transferJob) {
	var result transfer.Result
	switch job.kind {
	case kindDownload:
		if c.usesLegacyBulk() {
			result = c.planner.DownloadBulk(c, job.buf, job.imageIndex, c.stopCh)
		} else {
			result = c.planner.Download(c, job.buf, job.startAddr, job.imageIndex, c.stopCh)
		}
		if result.Failed {
			c.logger.Warn().Int("chunk", result.FailedChunk).Msg("memory download failed")
			c.bus.Trigger(eventbus.MemoryTransferError, result.FailedChunk)
			return
		}
		c.bus.Trigger(eventbus.MemoryTransferComplete, result.BytesTransferred)

	case kindUpload:
		var dest []byte
		if c.usesLegacyBulk() {
			dest, result = c.planner.UploadBulk(c, job.length, job.imageIndex, c.stopCh)
		} else {
			dest, result = c.planner.Upload(c, job.startAddr, job.length, job.imageIndex, c.stopCh)
		}
		if result.Failed {
			c.logger.Warn().Int("chunk", result.FailedChunk).Msg("memory upload failed")
			c.bus.Trigger(eventbus.MemoryTransferError, result.FailedChunk)
			return
		}
		c.bus.TriggerTwo(eventbus.MemoryTransferComplete, result.BytesTransferred, dest)
	}
}
