// Package syncqueue is a debounced write-behind cache that pushes workspace state to a
// snapshot store.
//
// The queue is BEST-EFFORT and NOT DURABLE. Writes are at-most-once and fire-and-forget:
// oversized payloads are discarded at enqueue time, the oldest pending key is evicted once
// the pending bound is reached, and a failed save is never retried. Enqueue returning true
// only means the write is pending. Callers that need durability must re-enqueue, or observe
// delivery through the events bus.
package syncqueue

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/commsengine/internal/events"
	"github.com/msageha/commsengine/internal/model"
)

const (
	DefaultDebounce      = 900 * time.Millisecond
	MinDebounce          = 200 * time.Millisecond
	MaxDebounce          = 5 * time.Second
	DefaultMaxStateBytes = 220 * 1024
	DefaultMaxPending    = 48
	DefaultSaveTimeout   = 10 * time.Second

	maxIdentifierLen  = 128
	defaultIdentifier = "default"
)

// StoredState is what a store returns for a key. PersistedAt is zero for a pending entry
// that has not reached the store yet.
type StoredState struct {
	State         json.RawMessage `json:"state"`
	PersistedAt   time.Time       `json:"persistedAt"`
	SchemaVersion int             `json:"schemaVersion"`
}

// Store is the remote snapshot store behind the queue. Load returns (nil, nil) when the
// key has never been saved.
type Store interface {
	Save(ctx context.Context, namespace, scopeKey string, schemaVersion int, state json.RawMessage) error
	Load(ctx context.Context, namespace, scopeKey string) (*StoredState, error)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Entry is one pending write, keyed by "namespace:scopeKey".
type Entry struct {
	Namespace     string
	ScopeKey      string
	SchemaVersion int
	State         json.RawMessage
}

// Key returns the pending-map key.
func (e Entry) Key() string {
	return e.Namespace + ":" + e.ScopeKey
}

type Options struct {
	Store         Store     // nil: every operation is a no-op
	Scheduler     Scheduler // nil: wall-clock timers
	Bus           *events.Bus
	Logger        *log.Logger
	LogLevel      model.LogLevel
	Debounce      time.Duration
	MaxStateBytes int
	MaxPending    int
	SaveTimeout   time.Duration
}

type pendingEntry struct {
	entry Entry
	timer Timer
	gen   uint64
}

// Queue holds at most one pending write per key, in insertion order.
type Queue struct {
	store       Store
	sched       Scheduler
	bus         *events.Bus
	logger      *log.Logger
	logLevel    model.LogLevel
	debounce    time.Duration
	maxBytes    int
	maxPending  int
	saveTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*list.Element
	order   *list.List // front: oldest insertion
	gen     uint64
	closed  bool

	inflight sync.WaitGroup // timer-driven saves in progress

	loads singleflight.Group
}

func New(opts Options) *Queue {
	q := &Queue{
		store:       opts.Store,
		sched:       opts.Scheduler,
		bus:         opts.Bus,
		logger:      opts.Logger,
		logLevel:    opts.LogLevel,
		debounce:    ClampDebounce(opts.Debounce),
		maxBytes:    opts.MaxStateBytes,
		maxPending:  opts.MaxPending,
		saveTimeout: opts.SaveTimeout,
		pending:     make(map[string]*list.Element),
		order:       list.New(),
	}
	if q.sched == nil {
		q.sched = wallScheduler{}
	}
	if q.maxBytes <= 0 {
		q.maxBytes = DefaultMaxStateBytes
	}
	if q.maxPending <= 0 {
		q.maxPending = DefaultMaxPending
	}
	if q.saveTimeout <= 0 {
		q.saveTimeout = DefaultSaveTimeout
	}
	return q
}

// ClampDebounce maps a requested debounce into [MinDebounce, MaxDebounce]; zero or
// negative selects DefaultDebounce.
func ClampDebounce(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultDebounce
	case d < MinDebounce:
		return MinDebounce
	case d > MaxDebounce:
		return MaxDebounce
	default:
		return d
	}
}

// NormalizeIdentifier restricts s to [A-Za-z0-9_.-], replacing anything else with '_'.
// Blank input becomes "default".
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultIdentifier
	}
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxIdentifierLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Enqueue schedules state to be saved after debounce (zero: the queue default). A second
// enqueue for the same key replaces the payload and restarts the timer. It reports whether
// the write is now pending; false means it was discarded and will never be delivered.
func (q *Queue) Enqueue(namespace, scopeKey string, schemaVersion int, state any, debounce time.Duration) bool {
	if q == nil || q.store == nil {
		return false
	}
	entry := Entry{
		Namespace:     NormalizeIdentifier(namespace),
		ScopeKey:      NormalizeIdentifier(scopeKey),
		SchemaVersion: schemaVersion,
	}
	key := entry.Key()

	data, err := json.Marshal(state)
	if err != nil {
		q.publish(events.EventStateDropped, key, 0, fmt.Sprintf("unserializable: %v", err))
		return false
	}
	if len(data) > q.maxBytes {
		q.publish(events.EventStateDropped, key, len(data), fmt.Sprintf("oversized: %d > %d bytes", len(data), q.maxBytes))
		return false
	}
	entry.State = data

	if debounce <= 0 {
		debounce = q.debounce
	} else {
		debounce = ClampDebounce(debounce)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.gen++
	gen := q.gen

	if elem, ok := q.pending[key]; ok {
		pe := elem.Value.(*pendingEntry)
		pe.timer.Stop()
		pe.entry = entry
		pe.gen = gen
		pe.timer = q.sched.AfterFunc(debounce, func() { q.fire(key, gen) })
		q.mu.Unlock()
		q.publish(events.EventStateCoalesced, key, len(data), "")
		return true
	}

	var evicted string
	if q.order.Len() >= q.maxPending {
		if oldest := q.order.Front(); oldest != nil {
			pe := oldest.Value.(*pendingEntry)
			pe.timer.Stop()
			evicted = pe.entry.Key()
			q.order.Remove(oldest)
			delete(q.pending, evicted)
		}
	}
	pe := &pendingEntry{entry: entry, gen: gen}
	pe.timer = q.sched.AfterFunc(debounce, func() { q.fire(key, gen) })
	q.pending[key] = q.order.PushBack(pe)
	q.mu.Unlock()

	if evicted != "" {
		q.logf(model.LogLevelDebug, "evicted pending write %s", evicted)
		q.publish(events.EventStateEvicted, evicted, 0, "pending bound reached")
	}
	return true
}

// fire delivers the entry for key if gen still identifies its latest enqueue.
func (q *Queue) fire(key string, gen uint64) {
	q.mu.Lock()
	elem, ok := q.pending[key]
	if q.closed || !ok || elem.Value.(*pendingEntry).gen != gen {
		q.mu.Unlock()
		return
	}
	entry := elem.Value.(*pendingEntry).entry
	q.order.Remove(elem)
	delete(q.pending, key)
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), q.saveTimeout)
	defer cancel()
	q.deliver(ctx, entry)
}

func (q *Queue) deliver(ctx context.Context, entry Entry) bool {
	if err := q.store.Save(ctx, entry.Namespace, entry.ScopeKey, entry.SchemaVersion, entry.State); err != nil {
		q.logf(model.LogLevelWarn, "save %s failed: %v", entry.Key(), err)
		q.publish(events.EventStateSaveFailed, entry.Key(), len(entry.State), err.Error())
		return false
	}
	q.publish(events.EventStateDelivered, entry.Key(), len(entry.State), "")
	return true
}

// FlushAll cancels every debounce timer and saves all pending entries immediately, oldest
// first. It returns the number of entries the store accepted.
func (q *Queue) FlushAll(ctx context.Context) int {
	if q == nil || q.store == nil {
		return 0
	}
	entries := q.drain()
	delivered := 0
	for _, entry := range entries {
		if q.deliver(ctx, entry) {
			delivered++
		}
	}
	if len(entries) > 0 {
		q.logf(model.LogLevelInfo, "flushed %d/%d pending writes", delivered, len(entries))
	}
	return delivered
}

func (q *Queue) drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, 0, q.order.Len())
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		pe := elem.Value.(*pendingEntry)
		pe.timer.Stop()
		entries = append(entries, pe.entry)
	}
	q.pending = make(map[string]*list.Element)
	q.order.Init()
	return entries
}

// Load returns the state for a key: the pending entry when one exists, otherwise the
// store's copy. Concurrent loads of one key share a single store call.
func (q *Queue) Load(ctx context.Context, namespace, scopeKey string) (*StoredState, error) {
	if q == nil || q.store == nil {
		return nil, nil
	}
	ns, sk := NormalizeIdentifier(namespace), NormalizeIdentifier(scopeKey)
	key := ns + ":" + sk

	q.mu.Lock()
	if elem, ok := q.pending[key]; ok {
		e := elem.Value.(*pendingEntry).entry
		q.mu.Unlock()
		return &StoredState{State: append(json.RawMessage(nil), e.State...), SchemaVersion: e.SchemaVersion}, nil
	}
	q.mu.Unlock()

	v, err, _ := q.loads.Do(key, func() (interface{}, error) {
		return q.store.Load(ctx, ns, sk)
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	st, _ := v.(*StoredState)
	if st == nil {
		return nil, nil
	}
	out := *st
	out.State = append(json.RawMessage(nil), st.State...)
	return &out, nil
}

// Pending returns the number of pending writes.
func (q *Queue) Pending() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// PendingKeys returns pending keys, oldest first.
func (q *Queue) PendingKeys() []string {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, q.order.Len())
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*pendingEntry).entry.Key())
	}
	return keys
}

// Close discards every pending write, rejects later enqueues and waits for timer-driven
// saves already in progress. Call FlushAll first to deliver pending writes. Returns the
// number of writes discarded.
func (q *Queue) Close() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	discarded := len(q.drain())
	q.inflight.Wait()
	if discarded > 0 {
		q.logf(model.LogLevelWarn, "closed with %d undelivered writes", discarded)
	}
	return discarded
}

func (q *Queue) publish(t events.EventType, key string, size int, detail string) {
	q.bus.Publish(events.Event{Type: t, Key: key, Bytes: size, Detail: detail})
}

func (q *Queue) logf(level model.LogLevel, format string, args ...any) {
	model.Logf(q.logger, q.logLevel, level, "syncqueue", format, args...)
}
