package schedule

import "testing"

func TestQueue_Order(t *testing.T) {
	q := New()
	q.Set("c", "u3", 200, 5)
	q.Set("a", "u1", 100, 3)
	q.Set("b", "u2", 100, 9)
	q.Set("d", "u4", 50, 1)

	got := q.PopDue(150, 0)
	want := []string{"d", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("due: got %d entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.SiteID != want[i] {
			t.Errorf("pos %d: got %s, want %s", i, e.SiteID, want[i])
		}
	}
	if q.Len() != 1 {
		t.Errorf("remaining: %d", q.Len())
	}
}

func TestQueue_SetReplaces(t *testing.T) {
	q := New()
	q.Set("a", "u", 100, 5)
	q.Set("b", "u", 200, 5)
	q.Set("a", "u", 300, 5)

	if q.Len() != 2 {
		t.Fatalf("len: %d", q.Len())
	}
	e, _ := q.Peek()
	if e.SiteID != "b" {
		t.Errorf("peek: got %s", e.SiteID)
	}
	q.Remove("b")
	e, _ = q.Peek()
	if e.SiteID != "a" || e.NextAt != 300 {
		t.Errorf("after remove: %+v", e)
	}
}

func TestQueue_PopDueLimit(t *testing.T) {
	q := New()
	for i, id := range []string{"a", "b", "c", "d"} {
		q.Set(id, "u", int64(i), 5)
	}
	if got := q.PopDue(10, 3); len(got) != 3 {
		t.Fatalf("limited pop: %d", len(got))
	}
	if got := q.PopDue(10, 3); len(got) != 1 || got[0].SiteID != "d" {
		t.Fatalf("second pop: %+v", got)
	}
}

func TestQueue_SnapshotKeepsQueue(t *testing.T) {
	q := New()
	q.Set("x", "u", 30, 5)
	q.Set("y", "u", 10, 5)
	q.Set("z", "u", 20, 5)

	snap := q.Snapshot(0)
	if len(snap) != 3 || snap[0].SiteID != "y" || snap[2].SiteID != "x" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if q.Len() != 3 {
		t.Errorf("snapshot consumed the queue")
	}
	if got := q.Snapshot(1); len(got) != 1 {
		t.Errorf("limited snapshot: %d", len(got))
	}
}
