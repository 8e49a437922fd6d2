// Package transfer implements the Fast-Transfer Planner: it splits a
// block-memory transfer into transfer_unit-sized chunks, pipelines a
// bounded number of in-flight report requests through a host's
// SendMsg/Registry, and reassembles the destination buffer in request
// order regardless of completion order.
package transfer

// Policy carries the chunking knobs a transport hands the planner.
// include/CM_Common.h's DefaultPolicy constants become DefaultPolicy
// below: TRANSFER_UNIT/DL_TRANSFER_SIZE/UL_TRANSFER_SIZE = 64,
// DMA_MAX_TRANSACTION_SIZE = 1024.
type Policy struct {
	TransferUnit int
	DLChunk      int
	ULChunk      int
	DMAMaxBytes  int
}

// MaxInFlight is DMAMaxBytes / TransferUnit, floored to 1.
func (p Policy) MaxInFlight() int {
	if p.TransferUnit <= 0 {
		return 1
	}
	n := p.DMAMaxBytes / p.TransferUnit
	if n < 1 {
		return 1
	}
	return n
}

// DefaultPolicy gives max_in_flight = 1024 / 64 = 16, matching spec.md
// §8 scenario S5.
var DefaultPolicy = Policy{
	TransferUnit: 64,
	DLChunk:      64,
	ULChunk:      64,
	DMAMaxBytes:  1024,
}
