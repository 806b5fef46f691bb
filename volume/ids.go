package volume

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/internal/wire"
	"github.com/rbeerala/llfs/slotlog"
)

// Ids is PackedVolumeIds (spec.md §3/§4.5): the three identities persisted
// once at first open and re-read on every recovery.
type Ids struct {
	MainUUID     uuid.UUID
	RecyclerUUID uuid.UUID
	TrimmerUUID  uuid.UUID
}

func (e Ids) PackedSize() int { return envelopeSize + 16*3 }

func (e Ids) MarshalTo(buf []byte) error {
	b := wire.NewBuilder(buf)
	b.PutUint16(uint16(TagVolumeIds))
	b.PutUint32(uint32(e.PackedSize() - envelopeSize))
	b.PutBytes(e.MainUUID[:])
	b.PutBytes(e.RecyclerUUID[:])
	b.PutBytes(e.TrimmerUUID[:])
	return nil
}

func decodeIds(cur *wire.Cursor) (Ids, error) {
	main, err := cur.Bytes(16)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: decode main uuid")
	}
	recycler, err := cur.Bytes(16)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: decode recycler uuid")
	}
	trimmer, err := cur.Bytes(16)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: decode trimmer uuid")
	}
	mainID, err := uuid.FromBytes(main)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: parse main uuid")
	}
	recyclerID, err := uuid.FromBytes(recycler)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: parse recycler uuid")
	}
	trimmerID, err := uuid.FromBytes(trimmer)
	if err != nil {
		return Ids{}, errors.Wrap(err, "volume: parse trimmer uuid")
	}
	return Ids{MainUUID: mainID, RecyclerUUID: recyclerID, TrimmerUUID: trimmerID}, nil
}

var _ slotlog.Packable = Ids{}
