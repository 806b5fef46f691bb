package pagerecycler

import (
	"io"

	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// RecoverySummary is what a scan of the recycler WAL surfaces to the live
// PageRecycler (spec.md §4.3, component C3). Kept as a distinct type
// returned ahead of constructing the live PageRecycler — see SPEC_FULL.md's
// "two-step construction" supplement, grounded in
// original_source/page_recycler.cpp's recover()/start() split.
type RecoverySummary struct {
	// LatestInfo is the most recently observed Info record, if any.
	LatestInfo *Info
	// LatestInfoRange is the slot range that Info record occupied.
	LatestInfoRange slotlog.SlotRange
	// Pending is every PageToRecycle that must be re-inserted into
	// RecyclerState: every prepare not committed and not part of
	// LatestBatch.
	Pending []page.ToRecycle
	// LatestBatch is the in-flight batch (prepares seen, no matching
	// commit) that the live recycler must retry, if any.
	LatestBatch *Batch
}

// recoveryVisitor accumulates state while scanning forward through the
// recycler WAL (RecyclerRecoveryVisitor, C3). Grounded on
// bucket_recover_from_wal.go's forward-scan-and-replay structure,
// generalized from key/value replay to prepare/commit batch tracking.
type recoveryVisitor struct {
	latestInfo      *Info
	latestInfoRange slotlog.SlotRange

	// preparing tracks, per batch_slot, the prepares accumulated so far.
	preparing map[slotlog.SlotOffset][]page.ToRecycle
	// order preserves the sequence batches were first seen in, so "the
	// most recently started uncommitted batch" is well defined when more
	// than one is outstanding (shouldn't normally happen — the recycler
	// only runs one batch at a time — but recovery must stay correct even
	// if a bug or a hand-edited WAL produced more than one).
	order []slotlog.SlotOffset
}

func newRecoveryVisitor() *recoveryVisitor {
	return &recoveryVisitor{preparing: make(map[slotlog.SlotOffset][]page.ToRecycle)}
}

func (v *recoveryVisitor) visit(rng slotlog.SlotRange, payload interface{}) error {
	switch e := payload.(type) {
	case Info:
		info := e
		v.latestInfo = &info
		v.latestInfoRange = rng
	case PagePrepare:
		if _, ok := v.preparing[e.BatchSlot]; !ok {
			v.order = append(v.order, e.BatchSlot)
		}
		// PagePrepare's wire format (spec.md §4.3) has no depth field, so a
		// recovered item always restarts at depth 0 — a deliberate, safe
		// approximation: it only ever relaxes how much further a cascade
		// may recurse, it never lets a batch skip its own commit record.
		v.preparing[e.BatchSlot] = append(v.preparing[e.BatchSlot], page.ToRecycle{
			PageID:     e.PageID,
			SlotOffset: rng.Lower,
			Depth:      0,
		})
	case BatchCommit:
		delete(v.preparing, e.BatchSlot)
	default:
		return errors.Errorf("pagerecycler: recovery visitor saw unknown payload type %T", payload)
	}
	return nil
}

// finish produces the RecoverySummary once the scan reaches EOF: the most
// recently started uncommitted *officially batched* group becomes
// LatestBatch; every other uncommitted prepare is folded into Pending.
//
// Groups keyed by unbatchedSlot are insert_to_log's per-page provisional
// prepares (see recycler.go), never a genuine multi-item batch, so they
// are never eligible to become LatestBatch even if most recently seen.
func (v *recoveryVisitor) finish() RecoverySummary {
	summary := RecoverySummary{LatestInfo: v.latestInfo, LatestInfoRange: v.latestInfoRange}

	var latestBatchSlot slotlog.SlotOffset
	haveLatest := false
	for i := len(v.order) - 1; i >= 0; i-- {
		if v.order[i] != unbatchedSlot {
			latestBatchSlot = v.order[i]
			haveLatest = true
			break
		}
	}

	for _, batchSlot := range v.order {
		items := v.preparing[batchSlot]
		if haveLatest && batchSlot == latestBatchSlot {
			depth := 0
			if len(items) > 0 {
				depth = items[0].Depth
			}
			b := Batch{ToRecycle: append([]page.ToRecycle(nil), items...), SlotOffset: batchSlot, Depth: depth}
			summary.LatestBatch = &b
			continue
		}
		summary.Pending = append(summary.Pending, items...)
	}

	return summary
}

// Recover replays every WAL record r yields into a recoveryVisitor,
// returning the resulting summary plus the slot offset recovery consumed
// up to. r's shape matches slotlog.ScanFunc exactly so Recover can be
// wrapped in a closure and passed straight to
// slotlog.LogDeviceFactory.OpenLogDevice (spec.md §6's ScanFunc contract).
func Recover(r slotlog.Reader) (RecoverySummary, slotlog.SlotOffset, error) {
	v := newRecoveryVisitor()
	pos := r.SlotRange().Lower
	for {
		header := make([]byte, envelopeSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Cause(err) == io.EOF || errors.Is(err, io.EOF) {
				break
			}
			return RecoverySummary{}, 0, errors.Wrap(err, "pagerecycler: read event header")
		}
		bodyLen := int(header[2]) | int(header[3])<<8 | int(header[4])<<16 | int(header[5])<<24
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return RecoverySummary{}, 0, errors.Wrap(err, "pagerecycler: read event body")
		}
		record := append(header, body...)
		payload, consumed, err := DecodeEvent(record)
		if err != nil {
			return RecoverySummary{}, 0, errors.Wrap(err, "pagerecycler: decode event")
		}
		rng := slotlog.SlotRange{Lower: pos, Upper: pos + slotlog.SlotOffset(consumed)}
		if err := v.visit(rng, payload); err != nil {
			return RecoverySummary{}, 0, err
		}
		pos = rng.Upper
	}

	return v.finish(), pos, nil
}
