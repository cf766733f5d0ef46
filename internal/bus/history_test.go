package bus

import "testing"

func mkRec(seq uint64) Record {
	return Record{Seq: seq, Kind: KindData}
}

func TestHistoryRingAppendAndSnapshot(t *testing.T) {
	t.Parallel()
	h := newHistoryRing(3)

	if got := h.snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %d records", len(got))
	}

	h.append(mkRec(1))
	h.append(mkRec(2))
	if got := h.snapshot(); len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("unexpected snapshot before wrap: %+v", got)
	}

	h.append(mkRec(3))
	h.append(mkRec(4))
	h.append(mkRec(5))

	got := h.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected capacity-bounded snapshot of 3, got %d", len(got))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got[i].Seq != want {
			t.Fatalf("snapshot[%d].Seq = %d, want %d", i, got[i].Seq, want)
		}
	}
	if h.len() != 3 {
		t.Fatalf("len = %d, want 3", h.len())
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	t.Parallel()
	h := newHistoryRing(2)
	for seq := uint64(1); seq <= 10; seq++ {
		h.append(mkRec(seq))
	}
	got := h.snapshot()
	if len(got) != 2 || got[0].Seq != 9 || got[1].Seq != 10 {
		t.Fatalf("expected last two records [9 10], got %+v", got)
	}
}
