package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/rawbatch/core"
)

// minFrameSize is the smallest frame: the size prefix and a metadata
// holding only a one-byte payload_size field.
const minFrameSize = core.LengthPrefixSize + 2

// CheckBatchCount rejects a message count that body is too short to hold.
func CheckBatchCount(body []byte, count int) error {
	if count < 0 || count > len(body)/minFrameSize {
		return &core.FrameError{Section: "batch body", Offset: 0, Message: fmt.Sprintf("%d messages cannot fit in %d bytes", count, len(body))}
	}
	return nil
}

// BatchReader walks the single-message frames of a decompressed batch body:
// metadataSize (4 bytes) | SingleMessageMetadata | payload (payload_size bytes)
type BatchReader struct {
	body   []byte
	offset int
	count  int
	read   int
}

// NewBatchReader returns a cursor over body, which must hold count frames.
func NewBatchReader(body []byte, count int) *BatchReader {
	return &BatchReader{body: body, count: count}
}

// Next decodes the next frame. The returned payload is a view into the body
// and is only valid while the body is.
func (r *BatchReader) Next() (*SingleMessageMetadata, []byte, error) {
	section := fmt.Sprintf("single message %d", r.read)
	if r.read >= r.count {
		return nil, nil, &core.FrameError{Section: section, Offset: r.offset, Message: fmt.Sprintf("batch holds only %d messages", r.count)}
	}
	if len(r.body)-r.offset < core.LengthPrefixSize {
		return nil, nil, &core.FrameError{Section: section, Offset: r.offset, Message: "truncated metadata size"}
	}
	mdSize := int(binary.BigEndian.Uint32(r.body[r.offset:]))
	start := r.offset + core.LengthPrefixSize
	if mdSize > len(r.body)-start {
		return nil, nil, &core.FrameError{Section: section, Offset: r.offset, Message: fmt.Sprintf("metadata size %d exceeds remaining %d bytes", mdSize, len(r.body)-start)}
	}
	md, err := UnmarshalSingleMessageMetadata(r.body[start : start+mdSize])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", section, err)
	}
	payloadStart := start + mdSize
	payloadSize := md.PayloadSize()
	if payloadSize > len(r.body)-payloadStart {
		return nil, nil, &core.FrameError{Section: section, Offset: payloadStart, Message: fmt.Sprintf("payload size %d exceeds remaining %d bytes", payloadSize, len(r.body)-payloadStart)}
	}
	payload := r.body[payloadStart : payloadStart+payloadSize : payloadStart+payloadSize]
	r.offset = payloadStart + payloadSize
	r.read++
	return md, payload, nil
}

// Remaining returns how many frames have not been read yet.
func (r *BatchReader) Remaining() int {
	return r.count - r.read
}

// AppendSingleMessage writes one frame for md and payload to dst, in the
// layout read by BatchReader.
func AppendSingleMessage(dst *bytes.Buffer, md *SingleMessageMetadata, payload []byte) {
	mdBytes := md.AppendProto(nil, len(payload))
	var size [core.LengthPrefixSize]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(mdBytes)))
	dst.Write(size[:])
	dst.Write(mdBytes)
	dst.Write(payload)
}
