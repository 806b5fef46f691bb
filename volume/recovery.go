package volume

import (
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/slotlog"
)

// PendingJob is a prepare the scan observed with no matching commit or
// rollback yet — exactly what resolve_pending_jobs must resolve on
// recovery (spec.md §4.5 step 5).
type PendingJob struct {
	PrepareSlot slotlog.SlotOffset
	JobBytes    []byte
}

// RecoverySummary is what scanning the root WAL surfaces before a live
// Volume is constructed — the same two-step recover()/start() split
// SPEC_FULL.md documents for the recycler, grounded in
// original_source/volume.cpp.
type RecoverySummary struct {
	Ids            *Ids
	Attached       map[string]bool // attachKey(client uuid, device id) -> attached
	PendingJobs    map[slotlog.SlotOffset]PendingJob
	PendingOrder   []slotlog.SlotOffset
}

type recoveryVisitor struct {
	ids      *Ids
	attached map[string]bool
	pending  map[slotlog.SlotOffset]PendingJob
	order    []slotlog.SlotOffset
}

func newRecoveryVisitor() *recoveryVisitor {
	return &recoveryVisitor{
		attached: make(map[string]bool),
		pending:  make(map[slotlog.SlotOffset]PendingJob),
	}
}

func attachKey(clientUUID [16]byte, deviceID uint64) string {
	return string(clientUUID[:]) + ":" + strconv.FormatUint(deviceID, 10)
}

func (v *recoveryVisitor) visit(rng slotlog.SlotRange, payload interface{}) error {
	switch e := payload.(type) {
	case Ids:
		ids := e
		v.ids = &ids
	case AttachEvent:
		v.attached[attachKey(e.ClientUUID, e.DeviceID)] = true
	case PrepareJob:
		slot := rng.Lower
		if _, ok := v.pending[slot]; !ok {
			v.order = append(v.order, slot)
		}
		v.pending[slot] = PendingJob{PrepareSlot: slot, JobBytes: e.JobBytes}
	case CommitJob:
		delete(v.pending, e.PrepareSlot)
	case RollbackJob:
		delete(v.pending, e.PrepareSlot)
	default:
		return errors.Errorf("volume: recovery visitor saw unknown payload type %T", payload)
	}
	return nil
}

func (v *recoveryVisitor) finish() RecoverySummary {
	summary := RecoverySummary{Ids: v.ids, Attached: v.attached}
	summary.PendingJobs = make(map[slotlog.SlotOffset]PendingJob)
	for _, slot := range v.order {
		if job, ok := v.pending[slot]; ok {
			summary.PendingJobs[slot] = job
			summary.PendingOrder = append(summary.PendingOrder, slot)
		}
	}
	return summary
}

// Recover replays every WAL record r yields, tracking VolumeIds, attach
// events, and prepare/commit/rollback pairing (spec.md §4.5's
// VolumeRecoveryVisitor, C5), returning the summary plus the slot offset
// consumed up to. r's shape matches slotlog.ScanFunc exactly so Recover
// can be wrapped in a closure and passed straight to
// slotlog.LogDeviceFactory.OpenLogDevice.
func Recover(r slotlog.Reader) (RecoverySummary, slotlog.SlotOffset, error) {
	v := newRecoveryVisitor()
	pos := r.SlotRange().Lower
	for {
		header := make([]byte, envelopeSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Cause(err) == io.EOF || errors.Is(err, io.EOF) {
				break
			}
			return RecoverySummary{}, 0, errors.Wrap(err, "volume: read event header")
		}
		bodyLen := int(header[2]) | int(header[3])<<8 | int(header[4])<<16 | int(header[5])<<24
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return RecoverySummary{}, 0, errors.Wrap(err, "volume: read event body")
		}
		record := append(header, body...)
		payload, consumed, err := DecodeEvent(record)
		if err != nil {
			return RecoverySummary{}, 0, errors.Wrap(err, "volume: decode event")
		}
		rng := slotlog.SlotRange{Lower: pos, Upper: pos + slotlog.SlotOffset(consumed)}
		if err := v.visit(rng, payload); err != nil {
			return RecoverySummary{}, 0, err
		}
		pos = rng.Upper
	}

	return v.finish(), pos, nil
}
