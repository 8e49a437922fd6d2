package report

// The direction/flags byte carries the request direction in bit 0; a
// device reply overlays its status bits on the remaining bits of the
// same byte, since the host never needs to set them on a request and
// the wire format is otherwise symmetric between the two directions.
const (
	flagTxCRCError    = 1 << 1
	flagTxTimeout     = 1 << 2
	flagGeneralError  = 1 << 3
	flagHardwareAlarm = 1 << 4
)

// Codec serialises HostReports to the wire and parses a byte stream
// back into DeviceReports, one byte at a time so a Connection Core
// Parser can interleave it with registry bookkeeping without ever
// blocking on a full frame arriving.
type Codec struct {
	// Pad32 asks Encode to zero-pad the serialised frame up to a
	// multiple of 4 bytes, for transports whose data path is 32-bit
	// aligned. Parser does not consume the padding: once a frame is
	// done, a decoder skips PadLen bytes before the next frame (the
	// Connection Core's Supervisor does this).
	Pad32 bool
}

// Encode serialises a HostReport to a framed byte sequence: start byte,
// action/context nibble pair, direction, little-endian address, length,
// payload, CRC-16 trailer, and optional zero padding to a 4-byte
// boundary. Encode is deterministic and pure.
func (c Codec) Encode(r HostReport) ([]byte, error) {
	if len(r.Payload) > PayloadMax {
		return nil, ErrPayloadTooLarge{Len: len(r.Payload)}
	}

	frame := make([]byte, 0, headerSize+len(r.Payload)+trailerSize+3)
	frame = append(frame, startByte)

	actionByte := byte(r.Action) & 0x0F
	if r.Context&0x80 != 0 {
		actionByte |= 0x10
	}
	frame = append(frame, actionByte)
	frame = append(frame, byte(r.Direction))
	frame = append(frame, byte(r.Address), byte(r.Address>>8))
	frame = append(frame, byte(r.Length), byte(r.Length>>8))
	frame = append(frame, r.Payload...)

	crc := CRC16(frame[1:])
	frame = append(frame, byte(crc), byte(crc>>8))

	if c.Pad32 {
		for len(frame)%4 != 0 {
			frame = append(frame, 0)
		}
	}
	return frame, nil
}

// PadLen returns the number of zero padding bytes Encode would append
// after a payloadLen-byte frame's CRC trailer, or 0 if Pad32 is unset.
// A decoder that has just consumed a complete frame uses this to know
// how many trailing bytes to discard before the next frame can start.
func (c Codec) PadLen(payloadLen int) int {
	if !c.Pad32 {
		return 0
	}
	frameLen := headerSize + payloadLen + trailerSize
	if rem := frameLen % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

// ParseState names the byte-at-a-time parser's states.
type ParseState int

const (
	StateIdle ParseState = iota
	StateHeader
	StateFields
	StatePayload
	StateCRC
	StateDone
)

// Parser drives ParseState one byte at a time and accumulates a
// DeviceReport. Restart it with Reset.
type Parser struct {
	state ParseState

	headerByte  byte
	direction   Direction
	address     uint16
	length      uint16
	fieldsSeen  int
	payload     []byte
	crcSeen     int
	crcBytes    [2]byte
	frameForCRC []byte

	Report DeviceReport
}

// NewParser returns a Parser ready to consume bytes from StateIdle.
func NewParser() *Parser {
	return &Parser{state: StateIdle}
}

// State reports the parser's current state.
func (p *Parser) State() ParseState { return p.state }

// Done reports whether the parser has reached a terminal (DONE) state.
func (p *Parser) Done() bool { return p.state == StateDone }

// Reset returns the parser to StateIdle, ready to decode another frame.
func (p *Parser) Reset() {
	*p = Parser{state: StateIdle}
}

// Step feeds one byte into the parser and returns true on a notable
// event: either the byte that first brings the state machine to
// StateDone for this frame, or a byte other than the start byte while
// idle (Report.UnexpectedChar is then set and the state stays
// StateIdle). Done tells the two apart. Once in StateDone, Step is a
// no-op that returns false until Reset.
func (p *Parser) Step(b byte) (event bool) {
	switch p.state {
	case StateIdle:
		if b != startByte {
			p.Report.UnexpectedChar = true
			return true
		}
		// A stray byte before this frame does not mark the frame itself.
		p.Report.UnexpectedChar = false
		p.frameForCRC = p.frameForCRC[:0]
		p.state = StateHeader

	case StateHeader:
		p.frameForCRC = append(p.frameForCRC, b)
		p.headerByte = b
		p.Report.Action = Action(b & 0x0F)
		if b&0x10 != 0 {
			p.Report.Context |= 0x80
		}
		p.fieldsSeen = 0
		p.state = StateFields

	case StateFields:
		p.frameForCRC = append(p.frameForCRC, b)
		switch p.fieldsSeen {
		case 0:
			p.Report.Direction = Direction(b & 0x01)
			p.Report.TxCRCError = b&flagTxCRCError != 0
			p.Report.TxTimeout = b&flagTxTimeout != 0
			p.Report.GeneralError = b&flagGeneralError != 0
			p.Report.HardwareAlarm = b&flagHardwareAlarm != 0
		case 1:
			p.address = uint16(b)
		case 2:
			p.address |= uint16(b) << 8
			p.Report.Address = p.address
		case 3:
			p.length = uint16(b)
		case 4:
			p.length |= uint16(b) << 8
			p.Report.Length = p.length
			p.payload = make([]byte, 0, p.length)
			if p.length == 0 {
				p.Report.Payload = p.payload
				p.crcSeen = 0
				p.state = StateCRC
			}
		}
		p.fieldsSeen++
		if p.fieldsSeen == 5 && p.length > 0 {
			p.state = StatePayload
		}

	case StatePayload:
		p.frameForCRC = append(p.frameForCRC, b)
		p.payload = append(p.payload, b)
		if len(p.payload) >= int(p.length) {
			p.Report.Payload = p.payload
			p.crcSeen = 0
			p.state = StateCRC
		}

	case StateCRC:
		p.crcBytes[p.crcSeen] = b
		p.crcSeen++
		if p.crcSeen == 2 {
			frameCRC := uint16(p.crcBytes[0]) | uint16(p.crcBytes[1])<<8
			actual := CRC16(p.frameForCRC)
			if frameCRC != actual {
				p.Report.RxCRCError = true
			} else {
				p.Report.Done = true
			}
			p.state = StateDone
			return true
		}

	case StateDone:
		// No-op until Reset.
	}
	return false
}
