package input

import "testing"

func TestHandleTimeTableRegisterUnregister(t *testing.T) {
	h := NewHandleTimeTable()
	h.Register("!room:a", "$event:a")

	snap := h.Snapshot()
	if _, ok := snap["!room:a"]["$event:a"]; !ok {
		t.Fatal("expected registered event to appear in snapshot")
	}

	h.Unregister("!room:a", "$event:a")
	snap = h.Snapshot()
	if _, ok := snap["!room:a"]; ok {
		t.Fatal("expected empty room entry to be pruned after unregister")
	}
}

func TestHandleTimeTableSnapshotIsACopy(t *testing.T) {
	h := NewHandleTimeTable()
	h.Register("!room:a", "$event:a")

	snap := h.Snapshot()
	delete(snap["!room:a"], "$event:a")

	snap2 := h.Snapshot()
	if _, ok := snap2["!room:a"]["$event:a"]; !ok {
		t.Fatal("mutating a snapshot must not affect the underlying table")
	}
}
