package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/commsengine/internal/events"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// fireAll runs every live timer, including ones that were stopped after being scheduled
// when includeStopped is set, to simulate a callback racing its cancellation.
func (s *fakeScheduler) fireAll(includeStopped bool) {
	s.mu.Lock()
	timers := append([]*fakeTimer(nil), s.timers...)
	s.mu.Unlock()
	for _, t := range timers {
		if t.fired || (t.stopped && !includeStopped) {
			continue
		}
		t.fired = true
		t.f()
	}
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

type savedWrite struct {
	namespace, scopeKey string
	schemaVersion       int
	state               string
}

type memStore struct {
	mu      sync.Mutex
	saves   []savedWrite
	data    map[string]*StoredState
	saveErr error
	loads   atomic.Int32
	gate    chan struct{}
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*StoredState)}
}

func (m *memStore) Save(_ context.Context, ns, key string, v int, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, savedWrite{ns, key, v, string(state)})
	m.data[ns+":"+key] = &StoredState{State: state, SchemaVersion: v, PersistedAt: time.Now()}
	return nil
}

func (m *memStore) Load(_ context.Context, ns, key string) (*StoredState, error) {
	m.loads.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[ns+":"+key], nil
}

func (m *memStore) writes() []savedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]savedWrite(nil), m.saves...)
}

func newTestQueue(store Store, opts ...func(*Options)) (*Queue, *fakeScheduler) {
	sched := &fakeScheduler{}
	o := Options{Store: store, Scheduler: sched}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o), sched
}

func TestEnqueue_CoalescesToLastPayload(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)

	for i := 1; i <= 5; i++ {
		require.True(t, q.Enqueue("map", "alpha", 1, map[string]int{"n": i}, 0))
	}
	assert.Equal(t, 1, q.Pending())

	sched.fireAll(true)

	writes := store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, `{"n":5}`, writes[0].state)
	assert.Equal(t, 0, q.Pending())
}

func TestEnqueue_CoalescingProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("N enqueues for one key deliver exactly the Nth payload", prop.ForAll(
		func(n int) bool {
			store := newMemStore()
			q, sched := newTestQueue(store)
			for i := 1; i <= n; i++ {
				q.Enqueue("ns", "key", 1, i, 0)
			}
			sched.fireAll(true)
			writes := store.writes()
			return len(writes) == 1 && writes[0].state == fmt.Sprint(n)
		},
		gen.IntRange(1, 40),
	))
	properties.TestingRun(t)
}

func TestEnqueue_RestartsTimerWithClampedDebounce(t *testing.T) {
	q, sched := newTestQueue(newMemStore())

	q.Enqueue("ns", "k", 1, "a", 50*time.Millisecond)
	first := sched.last()
	assert.Equal(t, MinDebounce, first.d)

	q.Enqueue("ns", "k", 1, "b", time.Minute)
	assert.True(t, first.stopped)
	assert.Equal(t, MaxDebounce, sched.last().d)

	q.Enqueue("ns", "k2", 1, "c", 0)
	assert.Equal(t, DefaultDebounce, sched.last().d)
}

func TestEnqueue_EvictsOldestAtBound(t *testing.T) {
	store := newMemStore()
	bus := events.NewBus(200)
	defer bus.Close()
	var evicted atomic.Int32
	unsub := bus.Subscribe(func(events.Event) { evicted.Add(1) }, events.EventStateEvicted)
	defer unsub()

	q, sched := newTestQueue(store, func(o *Options) { o.Bus = bus })
	for i := 0; i < 60; i++ {
		q.Enqueue("ns", fmt.Sprintf("key%02d", i), 1, i, 0)
		assert.LessOrEqual(t, q.Pending(), DefaultMaxPending)
	}

	keys := q.PendingKeys()
	require.Len(t, keys, DefaultMaxPending)
	assert.Equal(t, "ns:key12", keys[0])
	assert.Equal(t, "ns:key59", keys[len(keys)-1])

	sched.fireAll(true)
	writes := store.writes()
	assert.Len(t, writes, DefaultMaxPending)
	for _, w := range writes {
		assert.NotEqual(t, "key00", w.scopeKey, "evicted write must never be delivered")
	}

	assert.Eventually(t, func() bool { return evicted.Load() == 12 }, time.Second, 10*time.Millisecond)
}

func TestEnqueue_CoalesceKeepsInsertionPosition(t *testing.T) {
	q, _ := newTestQueue(newMemStore(), func(o *Options) { o.MaxPending = 2 })
	q.Enqueue("ns", "a", 1, 1, 0)
	q.Enqueue("ns", "b", 1, 1, 0)
	q.Enqueue("ns", "a", 1, 2, 0)
	q.Enqueue("ns", "c", 1, 1, 0)

	assert.Equal(t, []string{"ns:b", "ns:c"}, q.PendingKeys())
}

func TestEnqueue_DropsOversizedPayload(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store, func(o *Options) { o.MaxStateBytes = 64 })

	assert.False(t, q.Enqueue("ns", "big", 1, strings.Repeat("x", 100), 0))
	assert.Equal(t, 0, q.Pending())

	sched.fireAll(true)
	assert.Empty(t, store.writes())
}

func TestEnqueue_DropsUnserializable(t *testing.T) {
	q, _ := newTestQueue(newMemStore())
	assert.False(t, q.Enqueue("ns", "k", 1, make(chan int), 0))
	assert.Equal(t, 0, q.Pending())
}

func TestEnqueue_ClonesState(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)
	state := map[string]string{"status": "NEW"}
	q.Enqueue("ns", "k", 1, state, 0)
	state["status"] = "ACKED"

	sched.fireAll(false)
	require.Len(t, store.writes(), 1)
	assert.Equal(t, `{"status":"NEW"}`, store.writes()[0].state)
}

func TestEnqueue_NormalizesKeys(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)
	q.Enqueue(" incident status ", "", 2, true, 0)

	assert.Equal(t, []string{"incident_status:default"}, q.PendingKeys())
	sched.fireAll(false)
	require.Len(t, store.writes(), 1)
	assert.Equal(t, savedWrite{"incident_status", "default", 2, "true"}, store.writes()[0])
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct{ in, want string }{
		{"alpha", "alpha"},
		{"  ", "default"},
		{"a/b:c", "a_b_c"},
		{"v1.2-rc_3", "v1.2-rc_3"},
		{"ünï", "_n_"},
		{strings.Repeat("k", 200), strings.Repeat("k", maxIdentifierLen)},
	}
	for _, tt := range tests {
		if got := NormalizeIdentifier(tt.in); got != tt.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFire_SupersededTimerDoesNotDeliver(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)

	q.Enqueue("ns", "k", 1, "old", 0)
	stale := sched.last()
	q.Enqueue("ns", "k", 1, "new", 0)

	stale.fired = true
	stale.f()
	assert.Empty(t, store.writes())
	assert.Equal(t, 1, q.Pending())

	sched.fireAll(false)
	require.Len(t, store.writes(), 1)
	assert.Equal(t, `"new"`, store.writes()[0].state)
}

func TestFlushAll_DeliversInInsertionOrder(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)
	q.Enqueue("ns", "b", 1, 1, 0)
	q.Enqueue("ns", "a", 1, 2, 0)

	assert.Equal(t, 2, q.FlushAll(context.Background()))
	assert.Equal(t, 0, q.Pending())

	writes := store.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "b", writes[0].scopeKey)
	assert.Equal(t, "a", writes[1].scopeKey)

	// timers cancelled by the flush must not write again
	sched.fireAll(true)
	assert.Len(t, store.writes(), 2)
}

func TestFlushAll_SaveFailureIsNotRetried(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("unavailable")
	bus := events.NewBus(10)
	defer bus.Close()
	var failed atomic.Int32
	unsub := bus.Subscribe(func(events.Event) { failed.Add(1) }, events.EventStateSaveFailed)
	defer unsub()

	q, _ := newTestQueue(store, func(o *Options) { o.Bus = bus })
	q.Enqueue("ns", "k", 1, 1, 0)

	assert.Equal(t, 0, q.FlushAll(context.Background()))
	assert.Equal(t, 0, q.Pending())
	assert.Eventually(t, func() bool { return failed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNilStore_IsNoOp(t *testing.T) {
	q, sched := newTestQueue(nil)
	assert.False(t, q.Enqueue("ns", "k", 1, 1, 0))
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 0, q.FlushAll(context.Background()))
	assert.Empty(t, sched.timers)

	st, err := q.Load(context.Background(), "ns", "k")
	assert.NoError(t, err)
	assert.Nil(t, st)
}

func TestLoad_PrefersPendingEntry(t *testing.T) {
	store := newMemStore()
	store.data["ns:k"] = &StoredState{State: json.RawMessage(`"stored"`), SchemaVersion: 1}
	q, _ := newTestQueue(store)

	st, err := q.Load(context.Background(), "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, `"stored"`, string(st.State))

	q.Enqueue("ns", "k", 2, "pending", 0)
	st, err = q.Load(context.Background(), "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, `"pending"`, string(st.State))
	assert.Equal(t, 2, st.SchemaVersion)
	assert.True(t, st.PersistedAt.IsZero())
}

func TestLoad_CoalescesConcurrentCalls(t *testing.T) {
	store := newMemStore()
	store.gate = make(chan struct{})
	store.data["ns:k"] = &StoredState{State: json.RawMessage(`1`)}
	q, _ := newTestQueue(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := q.Load(context.Background(), "ns", "k")
			assert.NoError(t, err)
			assert.Equal(t, "1", string(st.State))
		}()
	}
	assert.Eventually(t, func() bool { return store.loads.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Less(t, store.loads.Load(), int32(8))
}

func TestClose_DiscardsAndRejects(t *testing.T) {
	store := newMemStore()
	q, sched := newTestQueue(store)
	q.Enqueue("ns", "k", 1, 1, 0)

	assert.Equal(t, 1, q.Close())
	assert.False(t, q.Enqueue("ns", "k2", 1, 1, 0))
	sched.fireAll(true)
	assert.Empty(t, store.writes())
}

func TestWallScheduler_Delivers(t *testing.T) {
	store := newMemStore()
	q := New(Options{Store: store, Debounce: MinDebounce})
	q.Enqueue("ns", "k", 1, "x", 0)

	assert.Eventually(t, func() bool { return len(store.writes()) == 1 }, 2*time.Second, 20*time.Millisecond)
}
