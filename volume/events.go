package volume

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/internal/wire"
	"github.com/rbeerala/llfs/slotlog"
)

// EventTag dispatches a root WAL slot to its payload type, the same
// tag-dispatch idiom pagerecycler/events.go uses (and, in turn,
// _examples/weaviate-weaviate/adapters/repos/db/lsmkv/commitlogger_parser.go),
// but numbered independently since volume and recycler logs are distinct
// streams.
type EventTag uint16

const (
	TagVolumeIds EventTag = iota + 1
	TagVolumeAttachEvent
	TagPrepareJob
	TagCommitJob
	TagRollbackJob
)

const envelopeSize = 2 + 4 // tag(uint16) + payload length(uint32)

// AttachEvent is PackedVolumeAttachEvent (spec.md §4.5 step 4): records
// that clientUUID has been attached to an arena device so recovery never
// re-attaches (attach_user is not itself idempotent in the general case).
type AttachEvent struct {
	ClientUUID uuid.UUID
	DeviceID   uint64
}

func (e AttachEvent) PackedSize() int { return envelopeSize + 16 + 8 }

func (e AttachEvent) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagVolumeAttachEvent))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutBytes(e.ClientUUID[:])
	b.PutUint64(e.DeviceID)
	return nil
}

// PrepareJob is PackedPrepareJob: the serialized bytes of an AppendableJob,
// written durably before PageCache.Commit runs (spec.md §4.5 Phase 1).
type PrepareJob struct {
	JobBytes []byte
}

func (e PrepareJob) PackedSize() int { return envelopeSize + 4 + len(e.JobBytes) }

func (e PrepareJob) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagPrepareJob))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutLenPrefixedBytes(e.JobBytes)
	return nil
}

// CommitJob is PackedCommitJob (spec.md §4.5 Phase 2b): confirms
// PrepareSlot's side effects were applied.
type CommitJob struct {
	PrepareSlot slotlog.SlotOffset
}

func (e CommitJob) PackedSize() int { return envelopeSize + 8 }

func (e CommitJob) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagCommitJob))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutUint64(uint64(e.PrepareSlot))
	return nil
}

// RollbackJob records that PrepareSlot was explicitly abandoned during
// resolve_pending_jobs, named in spec.md §6's WAL slot payload list but
// otherwise unspecified; it carries the same shape as CommitJob since both
// are terminal resolutions of a prepare.
type RollbackJob struct {
	PrepareSlot slotlog.SlotOffset
}

func (e RollbackJob) PackedSize() int { return envelopeSize + 8 }

func (e RollbackJob) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagRollbackJob))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutUint64(uint64(e.PrepareSlot))
	return nil
}

var (
	_ slotlog.Packable = AttachEvent{}
	_ slotlog.Packable = PrepareJob{}
	_ slotlog.Packable = CommitJob{}
	_ slotlog.Packable = RollbackJob{}
)

// DecodeEvent reads one tagged, length-prefixed record from the front of
// buf and returns the decoded payload along with the number of bytes
// consumed.
func DecodeEvent(buf []byte) (payload interface{}, consumed int, err error) {
	cur := wire.NewCursor(buf)
	tag, err := cur.Uint16()
	if err != nil {
		return nil, 0, errors.Wrap(err, "volume: decode event tag")
	}
	length, err := cur.Uint32()
	if err != nil {
		return nil, 0, errors.Wrap(err, "volume: decode event length")
	}
	body, err := cur.Bytes(int(length))
	if err != nil {
		return nil, 0, errors.Wrap(err, "volume: decode event body")
	}
	bodyCur := wire.NewCursor(body)

	switch EventTag(tag) {
	case TagVolumeIds:
		payload, err = decodeIds(bodyCur)
		if err != nil {
			return nil, 0, err
		}
	case TagVolumeAttachEvent:
		clientBytes, err := bodyCur.Bytes(16)
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: decode attach client uuid")
		}
		deviceID, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: decode attach device id")
		}
		clientID, err := uuid.FromBytes(clientBytes)
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: parse attach client uuid")
		}
		payload = AttachEvent{ClientUUID: clientID, DeviceID: deviceID}
	case TagPrepareJob:
		jobBytes, err := bodyCur.LenPrefixedBytes()
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: decode prepare job bytes")
		}
		payload = PrepareJob{JobBytes: append([]byte(nil), jobBytes...)}
	case TagCommitJob:
		prepareSlot, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: decode commit prepare slot")
		}
		payload = CommitJob{PrepareSlot: slotlog.SlotOffset(prepareSlot)}
	case TagRollbackJob:
		prepareSlot, err := bodyCur.Uint64()
		if err != nil {
			return nil, 0, errors.Wrap(err, "volume: decode rollback prepare slot")
		}
		payload = RollbackJob{PrepareSlot: slotlog.SlotOffset(prepareSlot)}
	default:
		return nil, 0, errors.Errorf("volume: unknown event tag %d", tag)
	}

	return payload, envelopeSize + int(length), nil
}
