package waymark

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EngineState is the lifecycle state of a per-owner sync engine.
type EngineState int32

const (
	// EngineIdle means the engine has been created but not started.
	EngineIdle EngineState = iota
	// EngineInitializing means the engine is opening its subscription and
	// running the initial reconciliation sweep.
	EngineInitializing
	// EngineActive means two-way sync is running.
	EngineActive
	// EngineSuspended means the host is offline; local mutations accumulate
	// as pending until connectivity returns.
	EngineSuspended
	// EngineDestroyed means the engine has been stopped.
	EngineDestroyed
)

func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EngineInitializing:
		return "initializing"
	case EngineActive:
		return "active"
	case EngineSuspended:
		return "suspended"
	case EngineDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EngineConfig configures a SyncEngine.
type EngineConfig struct {
	// MaxParallelPushes bounds concurrent in-flight pushes for distinct
	// records. Pushes for the same record are always serialized.
	// Default: 4
	MaxParallelPushes int `yaml:"max_parallel_pushes"`

	// PushTimeout bounds a single remote push; exceeding it is treated as
	// a retryable transport error.
	// Default: 15s
	PushTimeout time.Duration `yaml:"push_timeout"`

	// TaskBuffer is the actor mailbox capacity.
	// Default: 128
	TaskBuffer int `yaml:"task_buffer"`

	// BreakerFailures trips the remote circuit breaker after this many
	// consecutive transport failures.
	// Default: 5
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset is how long the breaker stays open before probing.
	// Default: 30s
	BreakerReset time.Duration `yaml:"breaker_reset"`

	// Logger for engine events. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultEngineConfig returns an engine configuration with sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelPushes: 4,
		PushTimeout:       15 * time.Second,
		TaskBuffer:        128,
		BreakerFailures:   5,
		BreakerReset:      30 * time.Second,
	}
}

// SyncStats is a snapshot of engine counters.
type SyncStats struct {
	Pushed    uint64
	Applied   uint64
	Conflicts uint64
	Retries   uint64
	Failures  uint64
	LastSync  int64
}

// SyncStatus is the consumer-facing view of the engine.
type SyncStatus struct {
	State            EngineState
	Online           bool
	Syncing          bool
	LastSync         int64
	PendingUploads   int
	PendingConflicts int
}

// Notification reports a terminal sync failure for a record. The record
// stays pending; no automatic retry follows.
type Notification struct {
	Key RecordKey
	Err error
	At  time.Time
}

// SyncEngine reconciles one owner's local records with the remote store.
// It is an actor: inbound remote events, local mutation requests,
// connectivity transitions and push completions are all serialized onto
// one event loop, so the sync invariants hold without locking. Pushes for
// distinct records run with bounded parallelism; a per-record in-flight
// flag keeps pushes for one record strictly sequential.
type SyncEngine struct {
	config   EngineConfig
	owner    string
	deviceID string
	store    *Store
	pending  *PendingQueue
	remote   RemoteChannel
	monitor  *ConnectivityMonitor
	backoff  *BackoffPolicy
	breaker  *CircuitBreaker
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tasks  chan func()
	events chan ChangeEvent
	sem    chan struct{}

	// Actor-owned; touched only on the event loop.
	sub        *RemoteSubscription
	inFlight   map[RecordKey]bool
	queued     map[RecordKey]bool
	checkpoint SyncCheckpoint
	resubs     int

	state    atomic.Int32
	pushing  atomic.Int32
	started  atomic.Bool
	pushed   atomic.Uint64
	applied  atomic.Uint64
	confl    atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
	lastSync atomic.Int64

	notifs chan Notification

	// now is the engine clock, replaceable in tests.
	now func() int64

	connCancel func()
}

// NewSyncEngine creates an engine for one owner. The backoff policy may be
// nil, in which case defaults apply.
func NewSyncEngine(config EngineConfig, owner, deviceID string, store *Store, remote RemoteChannel, monitor *ConnectivityMonitor, backoff *BackoffPolicy) *SyncEngine {
	if config.MaxParallelPushes <= 0 {
		config.MaxParallelPushes = 4
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = 15 * time.Second
	}
	if config.TaskBuffer <= 0 {
		config.TaskBuffer = 128
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 30 * time.Second
	}
	if backoff == nil {
		backoff = NewBackoffPolicy(DefaultBackoffConfig())
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &SyncEngine{
		config:   config,
		owner:    owner,
		deviceID: deviceID,
		store:    store,
		pending:  NewPendingQueue(store),
		remote:   remote,
		monitor:  monitor,
		backoff:  backoff,
		breaker:  NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
		logger:   logger.With("owner", owner),
		tasks:    make(chan func(), config.TaskBuffer),
		events:   make(chan ChangeEvent, config.TaskBuffer),
		sem:      make(chan struct{}, config.MaxParallelPushes),
		inFlight: make(map[RecordKey]bool),
		queued:   make(map[RecordKey]bool),
		notifs:   make(chan Notification, 16),
		now:      nowMillis,
	}
	e.state.Store(int32(EngineIdle))
	return e
}

// Start attaches the engine: loads the checkpoint, subscribes to
// connectivity transitions, and if the host is online begins the initial
// sync. Local reads and writes work in every state.
func (e *SyncEngine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return newSyncError(SyncErrorInvalidArgument, "engine already started", RecordKey{OwnerID: e.owner}, ErrInvalidArgument)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	cp, err := e.store.Checkpoint(e.ctx, e.owner)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.started.Store(false)
		e.cancel()
		return err
	}
	if cp.OwnerID == "" {
		cp = SyncCheckpoint{OwnerID: e.owner, DeviceID: e.deviceID, SyncVersion: 1}
	}
	e.checkpoint = cp

	e.state.Store(int32(EngineInitializing))

	connCh, connCancel := e.monitor.Subscribe()
	e.connCancel = connCancel

	e.wg.Add(1)
	go e.run(connCh)

	if e.monitor.Online() {
		e.post(func() { e.goOnline() })
	} else {
		e.state.Store(int32(EngineSuspended))
	}

	e.logger.Info("sync engine started", "state", e.State().String())
	return nil
}

// Stop tears the engine down: the subscription is cancelled and in-flight
// retries are abandoned. Pending records stay pending for a future session.
func (e *SyncEngine) Stop() {
	if !e.started.Load() || EngineState(e.state.Load()) == EngineDestroyed {
		return
	}
	e.state.Store(int32(EngineDestroyed))
	if e.connCancel != nil {
		e.connCancel()
	}
	e.cancel()
	e.wg.Wait()
	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}
	e.logger.Info("sync engine stopped")
}

// State returns the engine lifecycle state.
func (e *SyncEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats returns a snapshot of the engine counters.
func (e *SyncEngine) Stats() SyncStats {
	return SyncStats{
		Pushed:    e.pushed.Load(),
		Applied:   e.applied.Load(),
		Conflicts: e.confl.Load(),
		Retries:   e.retries.Load(),
		Failures:  e.failures.Load(),
		LastSync:  e.lastSync.Load(),
	}
}

// Notifications returns the terminal-failure notification stream. The
// channel is buffered; notifications are dropped if nobody listens.
func (e *SyncEngine) Notifications() <-chan Notification {
	return e.notifs
}

// Status reports the consumer-facing sync status.
func (e *SyncEngine) Status(ctx context.Context) (SyncStatus, error) {
	pending, err := e.pending.Len(ctx, e.owner)
	if err != nil {
		return SyncStatus{}, err
	}
	conflicts, err := e.store.ConflictCount(ctx, e.owner)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		State:            e.State(),
		Online:           e.monitor.Online(),
		Syncing:          e.pushing.Load() > 0,
		LastSync:         e.lastSync.Load(),
		PendingUploads:   pending,
		PendingConflicts: conflicts,
	}, nil
}

// post queues fn onto the actor mailbox.
func (e *SyncEngine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// do runs fn on the actor and waits for its result.
func (e *SyncEngine) do(ctx context.Context, fn func() error) error {
	if !e.started.Load() {
		return newSyncError(SyncErrorInvalidArgument, "engine not started", RecordKey{OwnerID: e.owner}, ErrInvalidArgument)
	}
	reply := make(chan error, 1)
	select {
	case e.tasks <- func() { reply <- fn() }:
	case <-e.ctx.Done():
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.ctx.Done():
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor event loop.
func (e *SyncEngine) run(connCh <-chan Transition) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-connCh:
			if !ok {
				connCh = nil
				continue
			}
			e.onTransition(t)
		case ev := <-e.events:
			e.applyEvent(ev)
		case fn := <-e.tasks:
			fn()
		}
	}
}

func (e *SyncEngine) onTransition(t Transition) {
	switch t.To {
	case StateOnline:
		e.logger.Info("connectivity restored, resuming sync")
		e.goOnline()
	case StateOffline:
		e.logger.Info("connectivity lost, suspending sync")
		e.goOffline()
	}
}

// goOnline opens the change subscription at the checkpoint and force-
// flushes every unsynced record.
func (e *SyncEngine) goOnline() {
	if e.State() == EngineDestroyed {
		return
	}

	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}

	sub, err := e.remote.Subscribe(e.ctx, e.owner, e.checkpoint.LastSyncTimestamp)
	if err != nil {
		e.logger.Error("failed to open change subscription", "error", err)
		e.failures.Add(1)
		e.state.Store(int32(EngineSuspended))
		e.scheduleResubscribe()
		return
	}
	e.sub = sub
	e.resubs = 0
	e.state.Store(int32(EngineActive))

	// Forward subscription events into the actor loop. When the stream ends
	// under our feet the actor is told, so a lost connection does not leave
	// the engine active but deaf.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					e.post(func() { e.onSubscriptionLost(sub) })
					return
				}
				select {
				case e.events <- ev:
				case <-e.ctx.Done():
					return
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()

	e.sweep()
}

// onSubscriptionLost handles a change stream that ended while the engine
// was active: suspend and reconnect under backoff. Actor-only.
func (e *SyncEngine) onSubscriptionLost(sub *RemoteSubscription) {
	if e.sub != sub || e.State() != EngineActive {
		return // superseded by a newer subscription or a transition
	}
	e.logger.Warn("change subscription lost, reconnecting")
	e.sub = nil
	e.state.Store(int32(EngineSuspended))
	e.scheduleResubscribe()
}

// scheduleResubscribe arms a delayed reconnect attempt. Attempts are not
// capped: as long as the monitor reports online the engine keeps probing,
// with the delay held at the backoff ceiling. Actor-only.
func (e *SyncEngine) scheduleResubscribe() {
	e.resubs++
	delay := e.backoff.NextDelay(e.resubs)
	time.AfterFunc(delay, func() {
		e.post(func() {
			if e.State() == EngineSuspended && e.monitor.Online() {
				e.goOnline()
			}
		})
	})
}

func (e *SyncEngine) goOffline() {
	if e.State() == EngineDestroyed {
		return
	}
	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}
	e.resubs = 0
	e.state.Store(int32(EngineSuspended))
}

// sweep enumerates records modified since their last sync or flagged
// pending and pushes each. Offline mutations are not individually queued,
// so the sweep is a full force-flush, not an incremental replay.
func (e *SyncEngine) sweep() {
	recs, err := e.store.ListUnsynced(e.ctx, e.owner)
	if err != nil {
		e.logger.Error("reconciliation sweep failed", "error", err)
		e.notify(RecordKey{OwnerID: e.owner}, err)
		return
	}
	for _, rec := range recs {
		e.schedulePush(rec.Key(), 1)
	}
	if len(recs) > 0 {
		e.logger.Debug("reconciliation sweep scheduled", "records", len(recs))
	}
}

// schedulePush dispatches a push for a record unless one is already in
// flight, in which case the record is queued for a follow-up push.
// Actor-only.
func (e *SyncEngine) schedulePush(key RecordKey, attempt int) {
	if e.State() != EngineActive {
		return // stays pending; the next sweep picks it up
	}
	if e.inFlight[key] {
		e.queued[key] = true
		return
	}
	e.inFlight[key] = true
	e.pushing.Add(1)

	e.wg.Add(1)
	go e.doPush(key, attempt)
}

// doPush runs off the actor: it snapshots the record, pushes it through
// the circuit breaker, and posts the outcome back to the loop.
func (e *SyncEngine) doPush(key RecordKey, attempt int) {
	defer e.wg.Done()
	defer e.pushing.Add(-1)

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-e.ctx.Done():
		return
	}

	rec, err := e.store.Get(e.ctx, key.OwnerID, key.Kind, key.RecordID)
	if errors.Is(err, ErrNotFound) {
		e.post(func() { e.finishPush(key) })
		return
	}
	if err != nil {
		e.post(func() {
			e.finishPush(key)
			e.onPushError(key, rec, attempt, err)
		})
		return
	}

	pctx, cancel := context.WithTimeout(e.ctx, e.config.PushTimeout)
	defer cancel()

	pushErr := e.breaker.Execute(func() error {
		if rec.Deleted {
			return e.remote.PushTombstone(pctx, key.OwnerID, key.Kind, key.RecordID)
		}
		pushed := rec.Clone()
		pushed.PendingUpload = false
		return e.remote.Push(pctx, pushed)
	})

	e.post(func() {
		e.finishPush(key)
		if pushErr != nil {
			e.onPushError(key, rec, attempt, pushErr)
			return
		}
		e.onPushSuccess(key, rec)
	})
}

// finishPush clears the in-flight flag. Actor-only.
func (e *SyncEngine) finishPush(key RecordKey) {
	delete(e.inFlight, key)
}

// onPushSuccess confirms the upload locally. Actor-only.
func (e *SyncEngine) onPushSuccess(key RecordKey, pushed Record) {
	syncTS := e.now()

	if pushed.Deleted {
		// Tombstone delivered; drop the local marker row.
		if err := e.store.Delete(e.ctx, key.OwnerID, key.Kind, key.RecordID); err != nil {
			e.logger.Error("failed to remove tombstone", "record", key.String(), "error", err)
		}
	} else {
		applied, err := e.pending.ClearPending(e.ctx, key, syncTS, pushed.DateModified)
		if err != nil {
			e.logger.Error("failed to mark record synced", "record", key.String(), "error", err)
		} else if !applied {
			// The record was mutated mid-push; push the newer version.
			e.queued[key] = true
		}
	}

	e.pushed.Add(1)
	// The subscription checkpoint lives in the server's timestamp domain
	// and only advances from event timestamps; a push success just updates
	// the informational last-sync time.
	if syncTS > e.lastSync.Load() {
		e.lastSync.Store(syncTS)
	}

	if e.queued[key] {
		delete(e.queued, key)
		e.schedulePush(key, 1)
	}
}

// onPushError classifies a failed push. Actor-only.
func (e *SyncEngine) onPushError(key RecordKey, rec Record, attempt int, err error) {
	if errors.Is(err, context.Canceled) {
		return // shutdown; record stays pending
	}

	if e.backoff.ShouldRetry(err, attempt) {
		delay := e.backoff.NextDelay(attempt)
		e.retries.Add(1)
		e.logger.Warn("push failed, retrying",
			"record", key.String(), "attempt", attempt, "delay", delay, "error", err)

		// Bounded-retry task: the timer posts the next attempt onto the
		// loop carrying its own attempt count.
		time.AfterFunc(delay, func() {
			e.post(func() { e.schedulePush(key, attempt+1) })
		})
		return
	}

	e.failures.Add(1)
	delete(e.queued, key)
	if IsRetryable(err) {
		// Retry cap reached; the next reconciliation sweep retries it.
		e.logger.Warn("push retries exhausted, leaving record pending",
			"record", key.String(), "attempts", attempt, "error", err)
		return
	}

	e.logger.Error("terminal push failure", "record", key.String(), "error", err)
	e.notify(key, err)
}

func (e *SyncEngine) notify(key RecordKey, err error) {
	n := Notification{Key: key, Err: err, At: time.Now()}
	select {
	case e.notifs <- n:
	default:
	}
}

// applyEvent applies one inbound remote change. Events apply strictly in
// delivery order; this runs on the actor. Apply is idempotent: a
// re-delivered event leaves local state unchanged.
func (e *SyncEngine) applyEvent(ev ChangeEvent) {
	if e.State() != EngineActive || ev.OwnerID != e.owner {
		return
	}
	key := ev.EventKey()

	switch ev.Type {
	case ChangeRemoved:
		err := e.store.Delete(e.ctx, key.OwnerID, key.Kind, key.RecordID)
		if err != nil {
			e.logger.Error("failed to apply remote removal", "record", key.String(), "error", err)
			return
		}

	case ChangeAdded, ChangeModified:
		if ev.Record == nil {
			return
		}
		if !e.applyUpsert(key, *ev.Record) {
			return
		}

	default:
		e.logger.Warn("unknown change event type", "type", string(ev.Type))
		return
	}

	e.applied.Add(1)
	e.advanceCheckpoint(ev.Timestamp)
}

// applyUpsert reconciles an inbound added/modified event against the local
// copy. Returns false if the event could not be applied.
func (e *SyncEngine) applyUpsert(key RecordKey, remote Record) bool {
	local, err := e.store.Get(e.ctx, key.OwnerID, key.Kind, key.RecordID)
	if errors.Is(err, ErrNotFound) {
		adopted := remote.Clone()
		adopted.LastSyncTimestamp = e.now()
		adopted.PendingUpload = false
		if err := e.store.Put(e.ctx, adopted); err != nil {
			e.logger.Error("failed to adopt remote record", "record", key.String(), "error", err)
			return false
		}
		return true
	}
	if err != nil {
		if errors.Is(err, ErrSerialization) {
			// Undecodable local copy: adopt the remote version, which is the
			// only readable one.
			e.logger.Warn("replacing undecodable local record", "record", key.String())
			adopted := remote.Clone()
			adopted.LastSyncTimestamp = e.now()
			adopted.PendingUpload = false
			return e.store.Put(e.ctx, adopted) == nil
		}
		e.logger.Error("failed to read local record", "record", key.String(), "error", err)
		return false
	}

	// A local record with an unconfirmed mutation past its own checkpoint
	// must never be overwritten by an adopt, however far ahead the remote
	// copy is; both sides advanced, so that is a conflict.
	localDirty := local.PendingUpload || local.DateModified > local.LastSyncTimestamp

	switch {
	case local.LastSyncTimestamp > remote.LastSyncTimestamp && local.DateModified > remote.DateModified:
		// Local strictly ahead: the remote copy is stale. Re-push, never
		// overwrite local.
		e.schedulePush(key, 1)
		return true

	case local.Payload.Equal(remote.Payload) && local.Deleted == remote.Deleted:
		// Same content on both sides (typically a re-delivered event or the
		// echo of our own push): nothing to change.
		return true

	case remote.LastSyncTimestamp > local.LastSyncTimestamp && !localDirty:
		// Remote strictly ahead of a clean local copy: adopt it.
		adopted := remote.Clone()
		adopted.LastSyncTimestamp = e.now()
		adopted.PendingUpload = false
		if err := e.store.Put(e.ctx, adopted); err != nil {
			e.logger.Error("failed to adopt remote record", "record", key.String(), "error", err)
			return false
		}
		return true

	default:
		// Both sides advanced past the common checkpoint with different
		// payloads. Never silently pick a side.
		c := Conflict{
			ID:         ConflictID(key),
			Kind:       key.Kind,
			Local:      local,
			Remote:     remote,
			DetectedAt: e.now(),
		}
		if err := e.store.PutConflict(e.ctx, c); err != nil {
			e.logger.Error("failed to record conflict", "record", key.String(), "error", err)
			return false
		}
		e.confl.Add(1)
		e.logger.Warn("conflict detected", "record", key.String())
		return true
	}
}

// advanceCheckpoint persists the reconciliation high-water mark. ts must be
// a server-assigned event timestamp: the checkpoint bounds Subscribe, and
// feeding it local clock readings would let a fast local clock skip
// not-yet-delivered remote events after a resubscribe. Actor-only.
func (e *SyncEngine) advanceCheckpoint(ts int64) {
	if ts <= e.checkpoint.LastSyncTimestamp {
		return
	}
	e.checkpoint.LastSyncTimestamp = ts
	e.checkpoint.DeviceID = e.deviceID
	if err := e.store.SaveCheckpoint(e.ctx, e.checkpoint); err != nil {
		e.logger.Error("failed to save checkpoint", "error", err)
		return
	}
	e.lastSync.Store(ts)
}

// Put records a local mutation: dateModified is advanced, the record is
// flagged pending, and a push is scheduled if the engine is active. The
// local write never blocks on remote availability.
func (e *SyncEngine) Put(ctx context.Context, rec Record) error {
	if rec.OwnerID != e.owner {
		return newSyncError(SyncErrorInvalidArgument, "record owner mismatch", rec.Key(), ErrInvalidArgument)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return e.do(ctx, func() error {
		key := rec.Key()
		stored := rec.Clone()
		stored.PendingUpload = true
		stored.Deleted = false
		stored.DateModified = e.now()

		if prev, err := e.store.Get(e.ctx, key.OwnerID, key.Kind, key.RecordID); err == nil {
			// dateModified is non-decreasing per record.
			if stored.DateModified <= prev.DateModified {
				stored.DateModified = prev.DateModified + 1
			}
			stored.LastSyncTimestamp = prev.LastSyncTimestamp
		} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrSerialization) {
			return err
		}

		if err := e.store.Put(e.ctx, stored); err != nil {
			return err
		}
		e.schedulePush(key, 1)
		return nil
	})
}

// Delete records a local deletion: a tombstone row is written and its
// remote propagation scheduled. Returns ErrNotFound for unknown records.
func (e *SyncEngine) Delete(ctx context.Context, kind RecordKind, id string) error {
	return e.do(ctx, func() error {
		key := RecordKey{OwnerID: e.owner, Kind: kind, RecordID: id}
		prev, err := e.store.Get(e.ctx, key.OwnerID, key.Kind, key.RecordID)
		if err != nil {
			return err
		}
		if prev.Deleted {
			return nil
		}

		tomb := prev.Clone()
		tomb.Deleted = true
		tomb.PendingUpload = true
		if ts := e.now(); ts > tomb.DateModified {
			tomb.DateModified = ts
		} else {
			tomb.DateModified++
		}

		if err := e.store.Put(e.ctx, tomb); err != nil {
			return err
		}
		e.schedulePush(key, 1)
		return nil
	})
}

// Get reads a record locally. Tombstones read as ErrNotFound.
func (e *SyncEngine) Get(ctx context.Context, kind RecordKind, id string) (Record, error) {
	rec, err := e.store.Get(ctx, e.owner, kind, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns the owner's live records of a kind. An empty kind matches
// all kinds.
func (e *SyncEngine) List(ctx context.Context, kind RecordKind) ([]Record, error) {
	return e.store.Scan(ctx, e.owner, kind, func(r *Record) bool {
		return !r.Deleted
	})
}

// Conflicts returns the owner's open conflicts.
func (e *SyncEngine) Conflicts(ctx context.Context) ([]Conflict, error) {
	return e.store.Conflicts(ctx, e.owner)
}

// ResolveConflict resolves an open conflict with the given policy. The
// authoritative record is written locally; under the local and merge
// policies it is pushed to overwrite the remote copy, under the remote
// policy the remote copy already is the authority and no push happens.
func (e *SyncEngine) ResolveConflict(ctx context.Context, id string, policy ResolvePolicy) error {
	if !policy.Valid() {
		return newSyncError(SyncErrorInvalidArgument, "unknown resolve policy", RecordKey{OwnerID: e.owner}, ErrInvalidArgument)
	}
	return e.do(ctx, func() error {
		c, err := e.store.GetConflict(e.ctx, id)
		if err != nil {
			return err
		}

		resolved, err := Resolve(c.Local, c.Remote, policy)
		if err != nil {
			return err
		}
		key := resolved.Key()

		if policy == PolicyRemote {
			resolved.PendingUpload = false
			resolved.LastSyncTimestamp = e.now()
		} else {
			resolved.PendingUpload = true
		}

		if err := e.store.Put(e.ctx, resolved); err != nil {
			return err
		}
		if err := e.store.DeleteConflict(e.ctx, id); err != nil {
			return err
		}

		if resolved.PendingUpload {
			e.schedulePush(key, 1)
		}
		return nil
	})
}

// ForceSyncNow runs a full reconciliation sweep immediately.
func (e *SyncEngine) ForceSyncNow(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.State() != EngineActive {
			return newSyncError(SyncErrorTransport, "cannot sync while offline", RecordKey{OwnerID: e.owner}, ErrTransportUnavailable)
		}
		e.sweep()
		return nil
	})
}
