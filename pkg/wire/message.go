// Package wire defines the fixed-size, cache-line-aligned wire record
// exchanged between coherence hosts and the codec for it.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Size is the on-wire size of a Message in bytes. The record is
// cache-line-aligned; the trailing bytes beyond the encoded fields are
// implicit padding.
const Size = 64

// MsgType identifies the kind of coherence message carried in a record.
type MsgType int32

const (
	MsgFetch MsgType = iota + 1
	MsgFetchAck
	MsgFetchNack
	MsgInvalidate
	MsgInvalidateAck
	MsgInvalidateNack
	MsgError
)

func (t MsgType) String() string {
	switch t {
	case MsgFetch:
		return "FETCH"
	case MsgFetchAck:
		return "FETCH_ACK"
	case MsgFetchNack:
		return "FETCH_NACK"
	case MsgInvalidate:
		return "INVALIDATE"
	case MsgInvalidateAck:
		return "INVALIDATE_ACK"
	case MsgInvalidateNack:
		return "INVALIDATE_NACK"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", int32(t))
	}
}

// IsAck reports whether t is a positive acknowledgement for a transaction.
func (t MsgType) IsAck() bool {
	return t == MsgFetchAck || t == MsgInvalidateAck
}

// IsNack reports whether t is a negative acknowledgement for a transaction.
func (t MsgType) IsNack() bool {
	return t == MsgFetchNack || t == MsgInvalidateNack
}

// IsRequest reports whether t is a FETCH or INVALIDATE request a remote
// handler must arbitrate and act on.
func (t MsgType) IsRequest() bool {
	return t == MsgFetch || t == MsgInvalidate
}

// Header carries routing information common to every message.
type Header struct {
	Type     MsgType
	WSID     int32
	FromNode int32
	ToNode   int32
}

// Payload carries the transaction-specific fields.
type Payload struct {
	CXLOffset     int64
	PageOrder     int32
	AckedFaultCnt int64
}

// Message is the full 64-byte record.
type Message struct {
	Header
	Payload
}

// Encode serializes m into a Size-byte little-endian record.
func Encode(m Message) [Size]byte {
	var b [Size]byte

	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.WSID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(m.FromNode))
	binary.LittleEndian.PutUint32(b[12:16], uint32(m.ToNode))
	binary.LittleEndian.PutUint64(b[16:24], uint64(m.CXLOffset))
	binary.LittleEndian.PutUint32(b[24:28], uint32(m.PageOrder))
	binary.LittleEndian.PutUint64(b[28:36], uint64(m.AckedFaultCnt))
	// b[36:64] is implicit cache-line padding.

	return b
}

// Decode parses a Size-byte record produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < Size {
		return Message{}, fmt.Errorf("wire: short record: got %d bytes, want %d", len(b), Size)
	}

	return Message{
		Header: Header{
			Type:     MsgType(int32(binary.LittleEndian.Uint32(b[0:4]))),
			WSID:     int32(binary.LittleEndian.Uint32(b[4:8])),
			FromNode: int32(binary.LittleEndian.Uint32(b[8:12])),
			ToNode:   int32(binary.LittleEndian.Uint32(b[12:16])),
		},
		Payload: Payload{
			CXLOffset:     int64(binary.LittleEndian.Uint64(b[16:24])),
			PageOrder:     int32(binary.LittleEndian.Uint32(b[24:28])),
			AckedFaultCnt: int64(binary.LittleEndian.Uint64(b[28:36])),
		},
	}, nil
}
