package waymark

import "context"

// PendingQueue is the set of records awaiting upload. Membership is
// derived strictly from the persisted pending_upload flag on each record;
// the queue holds no state of its own, so it cannot diverge from the store
// and it survives restarts for free.
type PendingQueue struct {
	store *Store
}

// NewPendingQueue creates a pending queue view over a store.
func NewPendingQueue(store *Store) *PendingQueue {
	return &PendingQueue{store: store}
}

// MarkPending flags a record as awaiting upload.
func (q *PendingQueue) MarkPending(ctx context.Context, key RecordKey) error {
	return q.store.SetPending(ctx, key, true)
}

// ClearPending records a confirmed upload for the given record version.
// The flag is left set if the record was modified again after the pushed
// version, so the newer mutation is not lost.
func (q *PendingQueue) ClearPending(ctx context.Context, key RecordKey, syncTS, pushedModified int64) (bool, error) {
	return q.store.MarkSynced(ctx, key, syncTS, pushedModified)
}

// ListPending returns the pending records for an owner, oldest first.
func (q *PendingQueue) ListPending(ctx context.Context, owner string) ([]Record, error) {
	return q.store.ListPending(ctx, owner)
}

// Len returns the number of pending records for an owner.
func (q *PendingQueue) Len(ctx context.Context, owner string) (int, error) {
	return q.store.CountPending(ctx, owner)
}
