package waymark

import (
	"context"
	"testing"
)

func TestPendingQueue_DerivedView(t *testing.T) {
	s := newTestStore(t)
	q := NewPendingQueue(s)
	ctx := context.Background()

	rec := testStoreRecord("f1")
	rec.DateModified = 10
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if n, err := q.Len(ctx, "alice"); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0", n, err)
	}

	if err := q.MarkPending(ctx, rec.Key()); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	pending, err := q.ListPending(ctx, "alice")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].RecordID != "f1" {
		t.Fatalf("ListPending = %+v, want f1", pending)
	}

	// Queue membership is the persisted flag: the store sees it too.
	got, err := s.Get(ctx, "alice", KindFeature, "f1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.PendingUpload {
		t.Errorf("MarkPending must persist the pendingUpload flag")
	}

	cleared, err := q.ClearPending(ctx, rec.Key(), 100, rec.DateModified)
	if err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	if !cleared {
		t.Fatalf("ClearPending must apply for the pushed version")
	}
	if n, _ := q.Len(ctx, "alice"); n != 0 {
		t.Errorf("Len after clear = %d, want 0", n)
	}
}

func TestPendingQueue_BacksEngineStatus(t *testing.T) {
	remote := NewMemoryRemote()
	t.Cleanup(func() { _ = remote.Close() })
	e, store, _ := newTestEngine(t, remote, StateOffline)
	q := NewPendingQueue(store)
	ctx := context.Background()

	for _, id := range []string{"f1", "f2"} {
		if err := e.Put(ctx, testStoreRecord(id)); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	n, err := q.Len(ctx, "alice")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}

	// The engine reads its pending counts through the same queue view.
	status, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PendingUploads != n {
		t.Errorf("engine reports %d pending uploads, queue holds %d", status.PendingUploads, n)
	}
}

func TestPendingQueue_ClearGuardsNewerMutation(t *testing.T) {
	s := newTestStore(t)
	q := NewPendingQueue(s)
	ctx := context.Background()

	rec := testStoreRecord("f1")
	rec.DateModified = 20
	rec.PendingUpload = true
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The push confirmation is for an older version; the newer mutation
	// must stay queued.
	cleared, err := q.ClearPending(ctx, rec.Key(), 100, 10)
	if err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	if cleared {
		t.Fatalf("ClearPending must not apply for a stale pushed version")
	}
	if n, _ := q.Len(ctx, "alice"); n != 1 {
		t.Errorf("Len = %d, want 1 (record still awaiting upload)", n)
	}
}
