package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// RawMessage is a single ledger entry exactly as stored: its coordinates and
// the serialized headers and payload. A RawMessage owns its buffer; Close
// releases it, and only the first Close has any effect.
type RawMessage struct {
	id     MessageID
	data   []byte
	buf    *bytes.Buffer
	pool   BufferPool
	closed atomic.Bool
}

// NewRawMessage wraps caller-owned bytes. Close only drops the reference.
func NewRawMessage(id MessageID, headersAndPayload []byte) *RawMessage {
	return &RawMessage{id: id, data: headersAndPayload}
}

// NewPooledRawMessage wraps a buffer obtained from pool. Close returns the
// buffer to pool.
func NewPooledRawMessage(id MessageID, buf *bytes.Buffer, pool BufferPool) *RawMessage {
	return &RawMessage{id: id, data: buf.Bytes(), buf: buf, pool: pool}
}

// ID returns the entry coordinates.
func (m *RawMessage) ID() MessageID {
	return m.id
}

// HeadersAndPayload returns the entry bytes, or nil once the message is closed.
// The slice is only valid until Close.
func (m *RawMessage) HeadersAndPayload() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Closed reports whether Close has been called.
func (m *RawMessage) Closed() bool {
	return m.closed.Load()
}

// Close releases the underlying buffer.
func (m *RawMessage) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.data = nil
	if m.buf != nil && m.pool != nil {
		m.pool.Put(m.buf)
	}
	m.buf = nil
	return nil
}

// Marshal serializes the message for storage:
// idSize (4 bytes) | MessageIdData | payloadSize (4 bytes) | headersAndPayload
func (m *RawMessage) Marshal() ([]byte, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("marshal raw message %s: already closed", m.id)
	}
	idBytes := m.id.AppendProto(nil)
	out := make([]byte, 0, 2*LengthPrefixSize+len(idBytes)+len(m.data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(idBytes)))
	out = append(out, idBytes...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.data)))
	out = append(out, m.data...)
	return out, nil
}

// UnmarshalRawMessage is the inverse of Marshal. The returned message holds a
// copy of the payload bytes.
func UnmarshalRawMessage(b []byte) (*RawMessage, error) {
	if len(b) < LengthPrefixSize {
		return nil, &FrameError{Section: "raw message", Offset: 0, Message: "truncated id size"}
	}
	idSize := int(binary.BigEndian.Uint32(b))
	offset := LengthPrefixSize
	if idSize > len(b)-offset {
		return nil, &FrameError{Section: "raw message", Offset: offset, Message: fmt.Sprintf("id size %d exceeds remaining %d bytes", idSize, len(b)-offset)}
	}
	id, err := UnmarshalMessageID(b[offset : offset+idSize])
	if err != nil {
		return nil, err
	}
	offset += idSize
	if len(b)-offset < LengthPrefixSize {
		return nil, &FrameError{Section: "raw message", Offset: offset, Message: "truncated payload size"}
	}
	payloadSize := int(binary.BigEndian.Uint32(b[offset:]))
	offset += LengthPrefixSize
	if payloadSize != len(b)-offset {
		return nil, &FrameError{Section: "raw message", Offset: offset, Message: fmt.Sprintf("payload size %d does not match remaining %d bytes", payloadSize, len(b)-offset)}
	}
	payload := make([]byte, payloadSize)
	copy(payload, b[offset:])
	return NewRawMessage(id, payload), nil
}
