// Package ledger stores raw messages in append-only segment files. A segment
// is the on-disk form of one ledger: a fixed header followed by
// length-prefixed, checksummed records, each holding one serialized entry.
package ledger

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/sys"
)

const (
	// SegmentMagic is "RBLG".
	SegmentMagic uint32 = 0x52424C47
	// FormatVersion is the current segment layout version.
	FormatVersion uint8 = 1

	segmentFileSuffix = ".ledger"
	// MaxRecordSize bounds a single record so a corrupt length cannot trigger a huge allocation.
	MaxRecordSize = 64 * 1024 * 1024
)

var (
	// ErrCorruptRecord is returned for a truncated record or a checksum mismatch.
	ErrCorruptRecord = errors.New("ledger: corrupt record")
	// ErrBadHeader is returned when a file is not a segment of a supported version.
	ErrBadHeader = errors.New("ledger: bad segment header")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is written at the start of every segment.
type Header struct {
	Magic     uint32
	Version   uint8
	CreatedAt int64 // UnixNano timestamp
	LedgerID  int64
}

// Size returns the encoded size of the header.
func (h *Header) Size() int {
	return binary.Size(h)
}

// NewHeader creates a header for ledgerID stamped with the current time.
func NewHeader(ledgerID int64) Header {
	return Header{
		Magic:     SegmentMagic,
		Version:   FormatVersion,
		CreatedAt: time.Now().UnixNano(),
		LedgerID:  ledgerID,
	}
}

// SegmentFileName returns the conventional file name of a ledger segment.
func SegmentFileName(ledgerID int64) string {
	return fmt.Sprintf("%08d%s", ledgerID, segmentFileSuffix)
}

// ParseSegmentFileName extracts the ledger id from a segment file name.
func ParseSegmentFileName(name string) (int64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a ledger segment file", name)
	}
	return strconv.ParseInt(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// WriterOptions configures CreateSegment.
type WriterOptions struct {
	// Preallocate reserves this many bytes up front where the filesystem allows it.
	Preallocate int64
	// LockTimeout is how long to wait for another writer to release the segment.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// SegmentWriter appends records to a segment. It holds an exclusive lock on
// the segment for its lifetime.
type SegmentWriter struct {
	file    *os.File
	path    string
	header  Header
	writer  *bufio.Writer
	unlock  func() error
	records int
	logger  *slog.Logger
}

// CreateSegment creates (or truncates) the segment at path and writes its header.
func CreateSegment(path string, ledgerID int64, opts WriterOptions) (*SegmentWriter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	unlock, err := sys.AcquireOSFileLock(sys.LockPath(path), opts.LockTimeout)
	if err != nil && !errors.Is(err, sys.ErrOSFileLockNotSupported) {
		return nil, fmt.Errorf("failed to lock segment %s: %w", path, err)
	}
	if unlock == nil {
		unlock = func() error { return nil }
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	if opts.Preallocate > 0 {
		if err := sys.Preallocate(file, opts.Preallocate); err != nil {
			if errors.Is(err, sys.ErrPreallocNotSupported) {
				logger.Debug("Segment preallocation not supported", "path", path)
			} else {
				logger.Warn("Segment preallocation failed", "path", path, "error", err)
			}
		}
	}

	header := NewHeader(ledgerID)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		unlock()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		file:   file,
		path:   path,
		header: header,
		writer: bufio.NewWriter(file),
		unlock: unlock,
		logger: logger.With("segment", path),
	}, nil
}

// Append writes msg as one record.
// Format: length (4 bytes) | RawMessage.Marshal() | crc32c (4 bytes)
func (sw *SegmentWriter) Append(ctx context.Context, msg *core.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sw.file == nil {
		return os.ErrClosed
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("record for %s is %d bytes, limit is %d", msg.ID(), len(data), MaxRecordSize)
	}

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(data)))
	if _, err := sw.writer.Write(scratch[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	binary.LittleEndian.PutUint32(scratch[:], crc32.Checksum(data, crcTable))
	if _, err := sw.writer.Write(scratch[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.records++
	return nil
}

// Records returns the number of records appended so far.
func (sw *SegmentWriter) Records() int {
	return sw.records
}

// Path returns the segment file path.
func (sw *SegmentWriter) Path() string {
	return sw.path
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes, closes and unlocks the segment.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	if closeErr := sw.file.Close(); err == nil {
		err = closeErr
	}
	sw.file = nil
	if unlockErr := sw.unlock(); err == nil {
		err = unlockErr
	}
	sw.logger.Debug("Segment closed", "records", sw.records)
	return err
}

// SegmentReader reads the records of a segment in order.
type SegmentReader struct {
	file   *os.File
	path   string
	header Header
	reader *bufio.Reader
}

// OpenSegment opens an existing segment for reading and validates its header.
func OpenSegment(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	reader := bufio.NewReader(file)
	var header Header
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header: %w", path, ErrBadHeader)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != SegmentMagic {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in segment %s: got %x, want %x: %w", path, header.Magic, SegmentMagic, ErrBadHeader)
	}
	if header.Version != FormatVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported segment version %d in %s: %w", header.Version, path, ErrBadHeader)
	}

	return &SegmentReader{file: file, path: path, header: header, reader: reader}, nil
}

// Header returns the segment header.
func (sr *SegmentReader) Header() Header {
	return sr.header
}

// Next returns the next entry. It returns io.EOF at a clean end of segment
// and ErrCorruptRecord for a truncated or damaged record.
func (sr *SegmentReader) Next(ctx context.Context) (*core.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sr.file == nil {
		return nil, os.ErrClosed
	}
	data, err := readRecord(sr.reader)
	if err != nil {
		return nil, err
	}
	msg, err := core.UnmarshalRawMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return msg, nil
}

func readRecord(r io.Reader) ([]byte, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated record length: %w", ErrCorruptRecord, err)
	}
	length := binary.LittleEndian.Uint32(scratch[:])
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: record length %d exceeds limit %d", ErrCorruptRecord, length, MaxRecordSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated record data: %w", ErrCorruptRecord, err)
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated record checksum: %w", ErrCorruptRecord, err)
	}
	if want, got := binary.LittleEndian.Uint32(scratch[:]), crc32.Checksum(data, crcTable); want != got {
		return nil, fmt.Errorf("%w: checksum mismatch: stored %08x, computed %08x", ErrCorruptRecord, want, got)
	}
	return data, nil
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
