package core

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// NoBatchIndex marks a MessageID that addresses a whole entry rather than one
// slot inside a batch.
const NoBatchIndex int32 = -1

// MessageID is the externally visible identity of a message: the ledger
// coordinates of its entry plus its position inside a batch.
type MessageID struct {
	LedgerID   int64
	EntryID    int64
	Partition  int32
	BatchIndex int32
}

// NewMessageID returns an entry-level identity (BatchIndex unset).
func NewMessageID(ledgerID, entryID int64, partition int32) MessageID {
	return MessageID{LedgerID: ledgerID, EntryID: entryID, Partition: partition, BatchIndex: NoBatchIndex}
}

// WithBatchIndex returns the identity of slot i of the same entry.
func (id MessageID) WithBatchIndex(i int) MessageID {
	id.BatchIndex = int32(i)
	return id
}

// IsBatchScoped reports whether the identity points at a single batch slot.
func (id MessageID) IsBatchScoped() bool {
	return id.BatchIndex >= 0
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", id.LedgerID, id.EntryID, id.Partition, id.BatchIndex)
}

// MessageIdData field numbers.
const (
	msgIDFieldLedgerID   protowire.Number = 1
	msgIDFieldEntryID    protowire.Number = 2
	msgIDFieldPartition  protowire.Number = 3
	msgIDFieldBatchIndex protowire.Number = 4
)

// AppendProto appends the MessageIdData protobuf encoding of id to b.
// Partition and batch index default to -1 and are omitted when unset.
func (id MessageID) AppendProto(b []byte) []byte {
	b = protowire.AppendTag(b, msgIDFieldLedgerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id.LedgerID))
	b = protowire.AppendTag(b, msgIDFieldEntryID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id.EntryID))
	if id.Partition != -1 {
		b = protowire.AppendTag(b, msgIDFieldPartition, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(id.Partition)))
	}
	if id.BatchIndex != NoBatchIndex {
		b = protowire.AppendTag(b, msgIDFieldBatchIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(id.BatchIndex)))
	}
	return b
}

// UnmarshalMessageID decodes a MessageIdData protobuf message.
func UnmarshalMessageID(b []byte) (MessageID, error) {
	id := MessageID{Partition: -1, BatchIndex: NoBatchIndex}
	var sawLedger, sawEntry bool
	offset := 0
	for offset < len(b) {
		num, typ, n := protowire.ConsumeTag(b[offset:])
		if n < 0 {
			return MessageID{}, &FrameError{Section: "message id", Offset: offset, Message: protowire.ParseError(n).Error()}
		}
		offset += n
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b[offset:])
			if n < 0 {
				return MessageID{}, &FrameError{Section: "message id", Offset: offset, Message: protowire.ParseError(n).Error()}
			}
			offset += n
			continue
		}
		v, n := protowire.ConsumeVarint(b[offset:])
		if n < 0 {
			return MessageID{}, &FrameError{Section: "message id", Offset: offset, Message: protowire.ParseError(n).Error()}
		}
		offset += n
		switch num {
		case msgIDFieldLedgerID:
			id.LedgerID = int64(v)
			sawLedger = true
		case msgIDFieldEntryID:
			id.EntryID = int64(v)
			sawEntry = true
		case msgIDFieldPartition:
			id.Partition = int32(v)
		case msgIDFieldBatchIndex:
			id.BatchIndex = int32(v)
		}
	}
	if !sawLedger || !sawEntry {
		return MessageID{}, &FrameError{Section: "message id", Offset: offset, Message: "missing required ledger or entry id"}
	}
	return id, nil
}
