package pagerecycler

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/internal/wire"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// EventTag dispatches a recycler WAL slot to its payload type on replay,
// matching the teacher's CommitType tag-dispatch in commitlogger.go.
type EventTag uint16

const (
	TagInfo EventTag = iota + 1
	TagPagePrepare
	TagBatchCommit
)

const envelopeSize = 2 + 4 // tag(uint16) + payload length(uint32)

// Info is PackedPageRecyclerInfo (spec.md §4.3): a periodically refreshed
// header anchor trimming cannot advance past.
type Info struct {
	UUID            uuid.UUID
	OptionsSnapshot []byte
}

func (e Info) PackedSize() int {
	return envelopeSize + 16 + 4 + len(e.OptionsSnapshot)
}

func (e Info) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagInfo))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutBytes(e.UUID[:])
	b.PutLenPrefixedBytes(e.OptionsSnapshot)
	return nil
}

// PagePrepare is PackedRecyclePagePrepare (spec.md §4.3): a page scheduled
// for deletion as part of batch BatchSlot.
type PagePrepare struct {
	PageID    page.ID
	BatchSlot slotlog.SlotOffset
}

func (e PagePrepare) PackedSize() int {
	return envelopeSize + 8 + 8
}

func (e PagePrepare) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagPagePrepare))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutUint64(uint64(e.PageID))
	b.PutUint64(uint64(e.BatchSlot))
	return nil
}

// BatchCommit is PackedRecycleBatchCommit (spec.md §4.3): signals the
// ref-count decrement for BatchSlot completed.
type BatchCommit struct {
	BatchSlot slotlog.SlotOffset
}

func (e BatchCommit) PackedSize() int {
	return envelopeSize + 8
}

func (e BatchCommit) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagBatchCommit))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutUint64(uint64(e.BatchSlot))
	return nil
}

var (
	_ slotlog.Packable = Info{}
	_ slotlog.Packable = PagePrepare{}
	_ slotlog.Packable = BatchCommit{}
)

// DecodeEvent reads one tagged, length-prefixed record from the front of
// buf and returns the decoded payload (Info, PagePrepare, or BatchCommit)
// along with the number of bytes consumed.
func DecodeEvent(buf []byte) (payload interface{}, consumed int, err error) {
	cur := wire.NewCursor(buf)
	tag, err := cur.Uint16()
	if err != nil {
		return nil, 0, errors.Wrap(err, "pagerecycler: decode event tag")
	}
	length, err := cur.Uint32()
	if err != nil {
		return nil, 0, errors.Wrap(err, "pagerecycler: decode event length")
	}
	body, err := cur.Bytes(int(length))
	if err != nil {
		return nil, 0, errors.Wrap(err, "pagerecycler: decode event body")
	}
	bodyCur := wire.NewCursor(body)

	switch EventTag(tag) {
	case TagInfo:
		idBytes, err := bodyCur.Bytes(16)
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode info uuid")
		}
		snapshot, err := bodyCur.LenPrefixedBytes()
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode info snapshot")
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode info uuid bytes")
		}
		payload = Info{UUID: id, OptionsSnapshot: append([]byte(nil), snapshot...)}
	case TagPagePrepare:
		pid, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode prepare page id")
		}
		batchSlot, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode prepare batch slot")
		}
		payload = PagePrepare{PageID: page.ID(pid), BatchSlot: slotlog.SlotOffset(batchSlot)}
	case TagBatchCommit:
		batchSlot, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "pagerecycler: decode commit batch slot")
		}
		payload = BatchCommit{BatchSlot: slotlog.SlotOffset(batchSlot)}
	default:
		return nil, 0, errors.Errorf("pagerecycler: unknown event tag %d", tag)
	}

	return payload, envelopeSize + int(length), nil
}
