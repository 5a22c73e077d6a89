// Package protocol implements the MTFTP wire format: five fixed packet
// kinds, little-endian, densely packed, no padding. Encoding and decoding
// are explicit serialisation against the byte layout in the wire spec
// rather than relying on Go struct layout, since the layout must match
// byte-for-byte across implementations and the wire format is not
// versioned.
package protocol

import "fmt"

// Opcode identifies one of the five wire packet kinds. It occupies byte 0
// of every packet.
type Opcode uint8

const (
	OpRRQ  Opcode = 1
	OpData Opcode = 2
	OpRTX  Opcode = 3
	OpACK  Opcode = 4
	OpErr  Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpData:
		return "DATA"
	case OpRTX:
		return "RTX"
	case OpACK:
		return "ACK"
	case OpErr:
		return "ERR"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// ErrKind is the payload of an ERR packet. FILE_READ_FAILED is the only
// kind currently defined on the wire; implementers must not invent new
// ones (see the write_file open question in the design notes).
type ErrKind uint8

const ErrFileReadFailed ErrKind = 0

func (k ErrKind) String() string {
	switch k {
	case ErrFileReadFailed:
		return "FILE_READ_FAILED"
	default:
		return fmt.Sprintf("ErrKind(%d)", uint8(k))
	}
}

// DataHeaderLen is the fixed DATA header preceding the payload: the
// opcode byte plus the u16 block_no. Exported so embedders can convert
// between wire length and payload length without re-encoding the
// layout.
const DataHeaderLen = 3

// Fixed lengths of the remaining packet kinds, excluding any variable
// trailer.
const (
	lenRRQHeader = 9 // u8 opcode + u16 + u32 + u16
	lenRTXHeader = 2 // u8 opcode + u8 num_elements
	lenACKPacket = 3 // u8 opcode + u16 block_no
	lenErrPacket = 2 // u8 opcode + u8 err_kind
)

// RRQ is a client -> server read request: begin streaming file_index from
// file_offset with the given window_size.
type RRQ struct {
	FileIndex   uint16
	FileOffset  uint32
	WindowSize  uint16
}

// Marshal encodes an RRQ packet.
func (p RRQ) Marshal() []byte {
	b := make([]byte, lenRRQHeader)
	b[0] = byte(OpRRQ)
	putU16(b[1:3], p.FileIndex)
	putU32(b[3:7], p.FileOffset)
	putU16(b[7:9], p.WindowSize)
	return b
}

// DecodeRRQ parses an RRQ packet body (opcode byte included).
func DecodeRRQ(b []byte) (RRQ, RecvResult) {
	if len(b) < lenRRQHeader {
		return RRQ{}, RecvBadLength
	}
	return RRQ{
		FileIndex:  getU16(b[1:3]),
		FileOffset: getU32(b[3:7]),
		WindowSize: getU16(b[7:9]),
	}, RecvOk
}

// Data is a server -> client block of file payload. Payload aliases the
// input buffer; callers that retain it across another decode must copy.
type Data struct {
	BlockNo uint16
	Payload []byte
}

// Marshal encodes a DATA packet. payload may be shorter than the
// configured block length; a short payload signals end of file.
func (p Data) Marshal() []byte {
	b := make([]byte, DataHeaderLen+len(p.Payload))
	b[0] = byte(OpData)
	putU16(b[1:3], p.BlockNo)
	copy(b[DataHeaderLen:], p.Payload)
	return b
}

// DecodeData parses a DATA packet. A zero-length payload is legal: it
// signals "no bytes in this block" and is shorter than any positive
// block length, so the client treats it as the final, short block.
func DecodeData(b []byte) (Data, RecvResult) {
	if len(b) < DataHeaderLen {
		return Data{}, RecvBadLength
	}
	return Data{
		BlockNo: getU16(b[1:3]),
		Payload: b[DataHeaderLen:],
	}, RecvOk
}

// RTX is a client -> server selective retransmit request naming the
// missing block numbers of the window just completed, in order.
type RTX struct {
	BlockNos []uint16
}

// Marshal encodes an RTX packet. Callers must keep len(p.BlockNos) within
// RTX_MAX, derived from the transport MTU; Marshal itself does not
// truncate.
func (p RTX) Marshal() []byte {
	b := make([]byte, lenRTXHeader+2*len(p.BlockNos))
	b[0] = byte(OpRTX)
	b[1] = byte(len(p.BlockNos))
	for i, bn := range p.BlockNos {
		off := lenRTXHeader + 2*i
		putU16(b[off:off+2], bn)
	}
	return b
}

// DecodeRTX parses an RTX packet. If the packet's actual length does not
// match 2 + 2*num_elements exactly, decoding still succeeds
// (compatibility with peers that trail padding) but mismatched reports
// true so the caller can log it, matching the codec rule that a length
// mismatch here is not fatal. Trailing bytes beyond the declared
// num_elements are ignored; a packet too short for its declared
// num_elements yields only the entries that fit.
func DecodeRTX(b []byte) (rtx RTX, result RecvResult, mismatched bool) {
	if len(b) < lenRTXHeader {
		return RTX{}, RecvBadLength, false
	}
	numElements := int(b[1])
	wantLen := lenRTXHeader + 2*numElements
	available := len(b)
	if available < wantLen {
		// Not enough bytes for the declared count: parse what fits.
		numElements = (available - lenRTXHeader) / 2
		mismatched = true
	} else if available != wantLen {
		mismatched = true
	}
	blockNos := make([]uint16, numElements)
	for i := 0; i < numElements; i++ {
		off := lenRTXHeader + 2*i
		blockNos[i] = getU16(b[off : off+2])
	}
	return RTX{BlockNos: blockNos}, RecvOk, mismatched
}

// ACK is a client -> server acknowledgement of the highest in-order block
// number delivered in the window just completed.
type ACK struct {
	BlockNo uint16
}

func (p ACK) Marshal() []byte {
	b := make([]byte, lenACKPacket)
	b[0] = byte(OpACK)
	putU16(b[1:3], p.BlockNo)
	return b
}

func DecodeACK(b []byte) (ACK, RecvResult) {
	if len(b) < lenACKPacket {
		return ACK{}, RecvBadLength
	}
	return ACK{BlockNo: getU16(b[1:3])}, RecvOk
}

// Err aborts a transfer; either peer may send it.
type Err struct {
	Kind ErrKind
}

func (p Err) Marshal() []byte {
	b := make([]byte, lenErrPacket)
	b[0] = byte(OpErr)
	b[1] = byte(p.Kind)
	return b
}

func DecodeErr(b []byte) (Err, RecvResult) {
	if len(b) < lenErrPacket {
		return Err{}, RecvBadLength
	}
	return Err{Kind: ErrKind(b[1])}, RecvOk
}

// DecodeOpcode reads the leading opcode byte shared by every packet kind.
func DecodeOpcode(b []byte) (Opcode, RecvResult) {
	if len(b) < 1 {
		return 0, RecvBadLength
	}
	op := Opcode(b[0])
	switch op {
	case OpRRQ, OpData, OpRTX, OpACK, OpErr:
		return op, RecvOk
	default:
		return op, RecvBadOpcode
	}
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
