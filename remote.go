package waymark

import (
	"context"
	"sync"
)

// ChangeType classifies a remote change event.
type ChangeType string

const (
	// ChangeAdded means the record is new to the remote collection.
	ChangeAdded ChangeType = "added"
	// ChangeModified means an existing remote record was updated.
	ChangeModified ChangeType = "modified"
	// ChangeRemoved means the remote record was deleted.
	ChangeRemoved ChangeType = "removed"
)

// ChangeEvent is one entry of a remote change stream. Events are ephemeral:
// produced by a subscription, consumed once, ordered by the server-assigned
// modification time. Record is nil for ChangeRemoved.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	OwnerID   string     `json:"owner_id"`
	Kind      RecordKind `json:"kind"`
	RecordID  string     `json:"record_id"`
	Record    *Record    `json:"record,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Key returns the identity of the record the event refers to.
func (e ChangeEvent) EventKey() RecordKey {
	return RecordKey{OwnerID: e.OwnerID, Kind: e.Kind, RecordID: e.RecordID}
}

// RemoteSubscription is a cancellable, ordered stream of change events.
type RemoteSubscription struct {
	events chan ChangeEvent
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newRemoteSubscription(buffer int) *RemoteSubscription {
	if buffer <= 0 {
		buffer = 256
	}
	return &RemoteSubscription{
		events: make(chan ChangeEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the channel of inbound change events. The channel is
// closed when the subscription ends.
func (s *RemoteSubscription) Events() <-chan ChangeEvent {
	return s.events
}

// Close cancels the subscription. Safe to call multiple times.
func (s *RemoteSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// deliver sends an event, giving up if the subscription is closed.
// Returns false once the subscription is done.
func (s *RemoteSubscription) deliver(ev ChangeEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *RemoteSubscription) finish() {
	s.Close()
	close(s.events)
}

// RemoteChannel abstracts the shared remote store: per-owner collections of
// records keyed by id, with merge-upsert, delete, and a live, resumable
// change stream ordered by server-assigned modification time.
//
// Subscriptions may re-deliver events already applied; consumers must
// apply idempotently.
type RemoteChannel interface {
	// Push upserts a record into the remote collection.
	Push(ctx context.Context, rec Record) error

	// PushTombstone propagates a local deletion.
	PushTombstone(ctx context.Context, owner string, kind RecordKind, id string) error

	// Subscribe opens a change stream for an owner, replaying changes with
	// a server modification time greater than since, then continuing live
	// until the subscription is closed.
	Subscribe(ctx context.Context, owner string, since int64) (*RemoteSubscription, error)

	// Close releases the channel's resources and ends all subscriptions.
	Close() error
}

// MemoryRemote is an in-process RemoteChannel used in tests and for
// embedding two engines against one shared store.
type MemoryRemote struct {
	mu     sync.Mutex
	docs   map[RecordKey]Record
	log    []ChangeEvent
	clock  int64
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	owner string
	sub   *RemoteSubscription
	live  chan ChangeEvent
}

// NewMemoryRemote creates an empty in-memory remote store.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		docs: make(map[RecordKey]Record),
		subs: make(map[int]*memorySub),
	}
}

func (m *MemoryRemote) tick() int64 {
	now := nowMillis()
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

// Push implements RemoteChannel.
func (m *MemoryRemote) Push(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newSyncError(SyncErrorTransport, "remote channel closed", rec.Key(), nil)
	}

	key := rec.Key()
	typ := ChangeAdded
	if _, ok := m.docs[key]; ok {
		typ = ChangeModified
	}

	stored := rec.Clone()
	stored.PendingUpload = false
	m.docs[key] = stored

	ev := ChangeEvent{
		Type:      typ,
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		RecordID:  rec.RecordID,
		Record:    &stored,
		Timestamp: m.tick(),
	}
	m.appendLocked(ev)
	return nil
}

// PushTombstone implements RemoteChannel.
func (m *MemoryRemote) PushTombstone(ctx context.Context, owner string, kind RecordKind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newSyncError(SyncErrorTransport, "remote channel closed",
			RecordKey{OwnerID: owner, Kind: kind, RecordID: id}, nil)
	}

	key := RecordKey{OwnerID: owner, Kind: kind, RecordID: id}
	delete(m.docs, key)

	ev := ChangeEvent{
		Type:      ChangeRemoved,
		OwnerID:   owner,
		Kind:      kind,
		RecordID:  id,
		Timestamp: m.tick(),
	}
	m.appendLocked(ev)
	return nil
}

func (m *MemoryRemote) appendLocked(ev ChangeEvent) {
	m.log = append(m.log, ev)
	for _, ms := range m.subs {
		if ms.owner != ev.OwnerID {
			continue
		}
		select {
		case ms.live <- ev:
		default:
			// Consumer far behind; the forwarder will drain eventually, and
			// a lost live event is recovered by the next resumed subscribe.
		}
	}
}

// Subscribe implements RemoteChannel.
func (m *MemoryRemote) Subscribe(ctx context.Context, owner string, since int64) (*RemoteSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, newSyncError(SyncErrorTransport, "remote channel closed", RecordKey{OwnerID: owner}, nil)
	}

	var replay []ChangeEvent
	for _, ev := range m.log {
		if ev.OwnerID == owner && ev.Timestamp > since {
			replay = append(replay, ev)
		}
	}

	m.nextID++
	id := m.nextID
	ms := &memorySub{
		owner: owner,
		sub:   newRemoteSubscription(256),
		live:  make(chan ChangeEvent, 1024),
	}
	m.subs[id] = ms
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			ms.sub.finish()
		}()

		for _, ev := range replay {
			if !ms.sub.deliver(ev) {
				return
			}
		}
		for {
			select {
			case ev := <-ms.live:
				// Replay already covered this event if it is not newer than
				// the replay tail; re-delivery is tolerated by consumers.
				if !ms.sub.deliver(ev) {
					return
				}
			case <-ms.sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ms.sub, nil
}

// Record returns the current remote copy of a record, if any.
func (m *MemoryRemote) Record(key RecordKey) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[key]
	return rec, ok
}

// Len returns the number of live remote records.
func (m *MemoryRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Close implements RemoteChannel.
func (m *MemoryRemote) Close() error {
	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for _, ms := range m.subs {
		subs = append(subs, ms)
	}
	m.closed = true
	m.mu.Unlock()

	for _, ms := range subs {
		ms.sub.Close()
	}
	return nil
}
