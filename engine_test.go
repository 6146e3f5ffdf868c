package convsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeRemote struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	snapErr   error
	sendErr   error

	// gate, if set, holds FetchSnapshot until closed; started is signalled
	// when a fetch begins.
	gate    chan struct{}
	started chan struct{}

	fetches int
	sends   []string
	accepts int
	rejects int
	reads   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{snapshots: make(map[string]*Snapshot)}
}

func (f *fakeRemote) setSnapshot(id string, snap *Snapshot) {
	f.mu.Lock()
	f.snapshots[id] = snap
	f.mu.Unlock()
}

func (f *fakeRemote) FetchSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	snap := f.snapshots[id]
	if snap == nil {
		return &Snapshot{}, nil
	}
	cp := *snap
	cp.Messages = append([]Message(nil), snap.Messages...)
	return &cp, nil
}

func (f *fakeRemote) Send(ctx context.Context, id, content string, ref *SharedRef) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, content)
	n := len(f.sends)
	return &Message{
		ID:             fmt.Sprintf("srv-%d", n),
		ConversationID: id,
		Content:        content,
		Sender:         Sender{ID: "me"},
		CreatedAt:      testEpoch.Add(time.Hour + time.Duration(n)*time.Second),
		SharedRef:      ref,
	}, nil
}

func (f *fakeRemote) Accept(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts++
	return nil
}

func (f *fakeRemote) Reject(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	return nil
}

func (f *fakeRemote) MarkRead(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return nil
}

func (f *fakeRemote) counts() (fetches, sends, accepts, rejects, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, len(f.sends), f.accepts, f.rejects, f.reads
}

// recordingStore records every Append batch.
type recordingStore struct {
	*MemoryStore
	mu      sync.Mutex
	appends [][]string
}

func (s *recordingStore) Append(ctx context.Context, id string, msgs []Message) (int, error) {
	s.mu.Lock()
	s.appends = append(s.appends, ids(msgs))
	s.mu.Unlock()
	return s.MemoryStore.Append(ctx, id, msgs)
}

func (s *recordingStore) batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.appends...)
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Load(context.Context, string) ([]Message, error) {
	return nil, wrapSentinel(ErrStorage, nil, "disk on fire")
}

type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) record(v View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *viewRecorder) all() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]View(nil), r.views...)
}

func (r *viewRecorder) waitFor(t *testing.T, desc string, cond func(View) bool) View {
	t.Helper()
	var got View
	require.Eventually(t, func() bool {
		views := r.all()
		if len(views) == 0 {
			return false
		}
		got = views[len(views)-1]
		return cond(got)
	}, 2*time.Second, 5*time.Millisecond, desc)
	return got
}

// requireMonotonic checks that every view is ordered and contains the
// previous one.
func requireMonotonic(t *testing.T, views []View) {
	t.Helper()
	var prev map[string]bool
	for i, v := range views {
		requireOrdered(t, v.Messages)
		cur := make(map[string]bool, len(v.Messages))
		for _, m := range v.Messages {
			require.False(t, cur[m.ID], "view %d holds %s twice", i, m.ID)
			cur[m.ID] = true
		}
		for id := range prev {
			require.True(t, cur[id], "view %d lost %s", i, id)
		}
		prev = cur
	}
}

type harness struct {
	store  *recordingStore
	remote *fakeRemote
	hub    *Hub
	engine *Engine
	views  *viewRecorder
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	h := &harness{
		store:  &recordingStore{MemoryStore: NewMemoryStore()},
		remote: newFakeRemote(),
		hub:    NewHub(),
		views:  &viewRecorder{},
	}
	h.engine = NewEngine(h.store, h.remote, h.hub, "me", opts...)
	t.Cleanup(func() { h.engine.Close() })
	return h
}

func (h *harness) open(t *testing.T, id string) View {
	t.Helper()
	v, err := h.engine.OpenConversation(context.Background(), id, h.views.record)
	require.NoError(t, err)
	return v
}

func (h *harness) seed(t *testing.T, msgs ...Message) {
	t.Helper()
	_, err := h.store.MemoryStore.Append(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
}

// waitStored waits for the write-through that follows a publish.
func (h *harness) waitStored(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.store.Len("conv-1") == n },
		2*time.Second, 5*time.Millisecond, "%d messages stored", n)
}

func hasState(s RequestState) func(View) bool {
	return func(v View) bool { return v.State.State == s }
}

func hasIDs(want ...string) func(View) bool {
	return func(v View) bool { return fmt.Sprint(ids(v.Messages)) == fmt.Sprint(want) }
}

// ============================================================================
// Scenarios
// ============================================================================

func TestEngineEmptyCacheSnapshot(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{
		Status:   StatusActive,
		Messages: []Message{msgAt("m3", 3), msgAt("m1", 1), msgAt("m2", 2)},
	})

	first := h.open(t, "conv-1")
	require.Empty(t, first.Messages)

	h.views.waitFor(t, "snapshot merged", hasIDs("m1", "m2", "m3"))
	h.waitStored(t, 3)

	views := h.views.all()
	require.Empty(t, views[0].Messages)
	requireMonotonic(t, views)
}

func TestEngineAppendsOnlyNewMessages(t *testing.T) {
	h := newHarness(t)
	h.seed(t, msgAt("m1", 1), msgAt("m2", 2))
	h.remote.setSnapshot("conv-1", &Snapshot{
		Status:   StatusActive,
		Messages: []Message{msgAt("m1", 1), msgAt("m2", 2), msgAt("m3", 3)},
	})

	first := h.open(t, "conv-1")
	require.Equal(t, []string{"m1", "m2"}, ids(first.Messages))

	h.views.waitFor(t, "m3 merged", hasIDs("m1", "m2", "m3"))
	require.Eventually(t, func() bool { return len(h.store.batches()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, [][]string{{"m3"}}, h.store.batches())
	require.Equal(t, 3, h.store.Len("conv-1"))
}

func TestEngineRecipientAccepts(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusPending, InitiatedBy: "them"})
	h.open(t, "conv-1")

	v := h.views.waitFor(t, "pending as recipient", hasState(StatePendingRecipient))
	require.False(t, v.State.CanSend)
	require.True(t, v.State.CanAccept)
	require.Equal(t, FooterAcceptReject, v.State.Footer)

	_, err := h.engine.SendMessage(context.Background(), "conv-1", "hi", nil)
	require.ErrorIs(t, err, ErrRequestNotActive)

	require.NoError(t, h.engine.AcceptRequest(context.Background(), "conv-1"))
	v, ok := h.engine.View("conv-1")
	require.True(t, ok)
	require.Equal(t, StateActive, v.State.State)
	require.True(t, v.State.CanSend)

	_, sends, accepts, _, _ := h.remote.counts()
	require.Zero(t, sends)
	require.Equal(t, 1, accepts)

	conv, err := h.store.LoadConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, conv.Status)
}

func TestEngineInitiatorFirstMessage(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusPending, InitiatedBy: "me"})
	h.open(t, "conv-1")

	v := h.views.waitFor(t, "pending as initiator", hasState(StatePendingInitiator))
	require.True(t, v.State.CanSend)

	sent, err := h.engine.SendMessage(context.Background(), "conv-1", "hello there", nil)
	require.NoError(t, err)
	require.Equal(t, "srv-1", sent.ID)

	v, _ = h.engine.View("conv-1")
	require.Equal(t, []string{"srv-1"}, ids(v.Messages))
	require.False(t, v.State.CanSend)
	require.Equal(t, FooterPendingNotice, v.State.Footer)
	require.Equal(t, 1, h.store.Len("conv-1"))

	_, err = h.engine.SendMessage(context.Background(), "conv-1", "are you there?", nil)
	require.ErrorIs(t, err, ErrRequestNotActive)
	_, sends, _, _, _ := h.remote.counts()
	require.Equal(t, 1, sends)

	h.hub.PublishStatus(StatusEvent{ConversationID: "conv-1", Status: StatusActive})
	v = h.views.waitFor(t, "accepted remotely", hasState(StateActive))
	require.True(t, v.State.CanSend)
}

func TestEngineDuplicateLiveEvent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, msgAt("m1", 1))
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1)}})
	h.open(t, "conv-1")
	h.views.waitFor(t, "active", hasState(StateActive))
	before := len(h.views.all())

	h.hub.Publish(msgAt("m1", 1))
	h.hub.Publish(msgAt("m2", 2))
	h.hub.Publish(msgAt("m2", 2))
	h.views.waitFor(t, "m2 merged", hasIDs("m1", "m2"))

	views := h.views.all()
	require.Len(t, views, before+1)
	requireMonotonic(t, views)
	h.waitStored(t, 2)
}

// ============================================================================
// Properties
// ============================================================================

func TestEngineOutOfOrderLiveEvents(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1), msgAt("m4", 4)}})
	h.open(t, "conv-1")

	for _, m := range []Message{msgAt("m5", 5), msgAt("m3", 3), msgAt("m2", 2), msgAt("m4", 4)} {
		h.hub.Publish(m)
	}
	other := msgAt("x1", 0)
	other.ConversationID = "conv-2"
	h.hub.Publish(other)

	h.views.waitFor(t, "all merged", hasIDs("m1", "m2", "m3", "m4", "m5"))
	requireMonotonic(t, h.views.all())
	h.waitStored(t, 5)

	msgs, err := h.store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(msgs))
	require.Zero(t, h.store.Len("conv-2"))
}

func TestEngineOfflineKeepsCache(t *testing.T) {
	h := newHarness(t)
	h.seed(t, msgAt("m1", 1), msgAt("m2", 2))
	h.remote.snapErr = wrapSentinel(ErrNetwork, nil, "no route to host")

	first := h.open(t, "conv-1")
	require.Equal(t, []string{"m1", "m2"}, ids(first.Messages))

	v := h.views.waitFor(t, "stale", func(v View) bool { return v.Stale })
	require.Equal(t, []string{"m1", "m2"}, ids(v.Messages))
	require.ErrorIs(t, v.RefreshErr, ErrNetwork)
	require.Equal(t, StateUnknown, v.State.State)
	require.False(t, v.State.CanSend)

	_, err := h.engine.SendMessage(context.Background(), "conv-1", "hi", nil)
	require.ErrorIs(t, err, ErrRequestNotActive)
	require.Equal(t, 2, h.store.Len("conv-1"))
}

func TestEngineOfflineUsesLastKnownStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, msgAt("m1", 1))
	require.NoError(t, h.store.SaveConversation(context.Background(),
		&Conversation{ID: "conv-1", Status: StatusActive}))
	h.remote.snapErr = wrapSentinel(ErrTimeout, nil, "snapshot")

	first := h.open(t, "conv-1")
	require.Equal(t, StateActive, first.State.State)
	v := h.views.waitFor(t, "stale", func(v View) bool { return v.Stale })
	require.True(t, v.State.CanSend)
}

func TestEngineAuthErrorSurfaced(t *testing.T) {
	h := newHarness(t)
	h.remote.snapErr = wrapSentinel(ErrAuth, nil, "token expired")
	h.open(t, "conv-1")

	v := h.views.waitFor(t, "stale", func(v View) bool { return v.Stale })
	require.ErrorIs(t, v.RefreshErr, ErrAuth)
	require.ErrorIs(t, h.engine.Refresh(context.Background(), "conv-1"), ErrAuth)
}

func TestEngineRecoversAfterFailedRefresh(t *testing.T) {
	h := newHarness(t)
	h.remote.snapErr = wrapSentinel(ErrNetwork, nil, "offline")
	h.open(t, "conv-1")
	h.views.waitFor(t, "stale", func(v View) bool { return v.Stale })

	h.remote.mu.Lock()
	h.remote.snapErr = nil
	h.remote.mu.Unlock()
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1)}})

	require.NoError(t, h.engine.Refresh(context.Background(), "conv-1"))
	v, _ := h.engine.View("conv-1")
	require.False(t, v.Stale)
	require.NoError(t, v.RefreshErr)
	require.Equal(t, []string{"m1"}, ids(v.Messages))
}

func TestEngineStorageFailureStartsEmpty(t *testing.T) {
	remote := newFakeRemote()
	remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1)}})
	views := &viewRecorder{}
	engine := NewEngine(brokenStore{NewMemoryStore()}, remote, nil, "me")
	defer engine.Close()

	v, err := engine.OpenConversation(context.Background(), "conv-1", views.record)
	require.NoError(t, err)
	require.Empty(t, v.Messages)
	views.waitFor(t, "snapshot merged", hasIDs("m1"))
}

func TestEngineDropsResultsAfterClose(t *testing.T) {
	h := newHarness(t)
	h.remote.gate = make(chan struct{})
	h.remote.started = make(chan struct{}, 1)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1)}})

	h.open(t, "conv-1")
	<-h.remote.started
	h.views.waitFor(t, "cached view", func(View) bool { return true })

	h.engine.CloseConversation("conv-1")
	h.hub.Publish(msgAt("m2", 2))
	close(h.remote.gate)
	require.NoError(t, h.engine.Close())

	require.Len(t, h.views.all(), 1)
	require.Zero(t, h.store.Len("conv-1"))
	require.Zero(t, h.hub.Subscribers())
	_, ok := h.engine.View("conv-1")
	require.False(t, ok)
}

func TestEngineSendFailureLeavesState(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusPending, InitiatedBy: "me"})
	h.open(t, "conv-1")
	h.views.waitFor(t, "pending as initiator", hasState(StatePendingInitiator))

	h.remote.mu.Lock()
	h.remote.sendErr = wrapSentinel(ErrNetwork, nil, "connection reset")
	h.remote.mu.Unlock()
	_, err := h.engine.SendMessage(context.Background(), "conv-1", "hello", nil)
	require.ErrorIs(t, err, ErrNetwork)

	v, _ := h.engine.View("conv-1")
	require.Empty(t, v.Messages)
	require.True(t, v.State.CanSend)
	require.Zero(t, h.store.Len("conv-1"))

	h.remote.mu.Lock()
	h.remote.sendErr = nil
	h.remote.mu.Unlock()
	_, err = h.engine.SendMessage(context.Background(), "conv-1", "hello", nil)
	require.NoError(t, err)
}

func TestEngineSendValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.SendMessage(context.Background(), "conv-1", "", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.engine.SendMessage(context.Background(), "conv-1", "hi", nil)
	require.ErrorIs(t, err, ErrConversationNotOpen)

	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive})
	h.open(t, "conv-1")
	h.views.waitFor(t, "active", hasState(StateActive))
	m, err := h.engine.SendMessage(context.Background(), "conv-1", "", &SharedRef{Type: SharedNews, ID: "n-1"})
	require.NoError(t, err)
	require.Equal(t, "n-1", m.SharedRef.ID)
}

func TestEngineSentMessageEchoed(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive})
	h.open(t, "conv-1")
	h.views.waitFor(t, "active", hasState(StateActive))

	m, err := h.engine.SendMessage(context.Background(), "conv-1", "hi", nil)
	require.NoError(t, err)
	h.hub.Publish(*m)
	h.hub.Publish(msgAt("m9", 99999))
	h.views.waitFor(t, "m9 merged", hasIDs(m.ID, "m9"))
	h.waitStored(t, 2)
}

func TestEngineRejectIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusPending, InitiatedBy: "them"})
	h.open(t, "conv-1")
	h.views.waitFor(t, "pending as recipient", hasState(StatePendingRecipient))

	require.NoError(t, h.engine.RejectRequest(context.Background(), "conv-1"))
	v, _ := h.engine.View("conv-1")
	require.Equal(t, StateTerminal, v.State.State)
	require.Equal(t, FooterClosed, v.State.Footer)

	require.ErrorIs(t, h.engine.AcceptRequest(context.Background(), "conv-1"), ErrActionNotAllowed)

	h.hub.PublishStatus(StatusEvent{ConversationID: "conv-1", Status: StatusActive})
	h.hub.Publish(msgAt("m1", 1))
	v = h.views.waitFor(t, "m1 merged", hasIDs("m1"))
	require.Equal(t, StateTerminal, v.State.State)

	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive})
	require.NoError(t, h.engine.Refresh(context.Background(), "conv-1"))
	v, _ = h.engine.View("conv-1")
	require.Equal(t, StateTerminal, v.State.State)

	_, _, accepts, rejects, _ := h.remote.counts()
	require.Zero(t, accepts)
	require.Equal(t, 1, rejects)
}

func TestEngineAcceptNotAllowed(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive})
	h.open(t, "conv-1")
	h.views.waitFor(t, "active", hasState(StateActive))

	require.ErrorIs(t, h.engine.AcceptRequest(context.Background(), "conv-1"), ErrActionNotAllowed)
	require.ErrorIs(t, h.engine.RejectRequest(context.Background(), "conv-1"), ErrActionNotAllowed)
	_, _, accepts, rejects, _ := h.remote.counts()
	require.Zero(t, accepts+rejects)
}

func TestEngineMarkReadThrottled(t *testing.T) {
	h := newHarness(t, WithReadLimit(rate.Every(time.Hour), 1))
	h.engine.MarkRead("conv-1")
	h.engine.MarkRead("conv-1")
	h.engine.MarkRead("conv-2")
	require.NoError(t, h.engine.Close())

	_, _, _, _, reads := h.remote.counts()
	require.Equal(t, 2, reads)
}

func TestEngineSkipsFreshSnapshot(t *testing.T) {
	now := testEpoch.Add(24 * time.Hour)
	h := newHarness(t, WithStaleAfter(time.Hour), WithClock(func() time.Time { return now }))
	require.NoError(t, h.store.SaveConversation(context.Background(), &Conversation{
		ID: "conv-1", Status: StatusActive, LastSyncedAt: now.Add(-time.Minute),
	}))

	v := h.open(t, "conv-1")
	require.Equal(t, StateActive, v.State.State)
	require.NoError(t, h.engine.Close())

	fetches, _, _, _, _ := h.remote.counts()
	require.Zero(t, fetches)
}

func TestEngineRecordsWatermark(t *testing.T) {
	now := testEpoch.Add(48 * time.Hour)
	h := newHarness(t, WithClock(func() time.Time { return now }))
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusPending, InitiatedBy: "them", Participants: []string{"me", "them"}})
	h.open(t, "conv-1")
	h.views.waitFor(t, "pending", hasState(StatePendingRecipient))
	require.NoError(t, h.engine.Close())

	conv, err := h.store.LoadConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, now.Equal(conv.LastSyncedAt))
	require.Equal(t, "them", conv.InitiatedBy)
	require.Equal(t, []string{"me", "them"}, conv.Participants)
}

func TestEngineReopenUsesCacheBaseline(t *testing.T) {
	h := newHarness(t)
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1)}})
	h.open(t, "conv-1")
	h.views.waitFor(t, "m1", hasIDs("m1"))
	h.waitStored(t, 1)
	require.Eventually(t, func() bool {
		conv, _ := h.store.LoadConversation(context.Background(), "conv-1")
		return conv != nil && conv.Status == StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	v := h.open(t, "conv-1")
	require.Equal(t, []string{"m1"}, ids(v.Messages))
	require.Equal(t, StateActive, v.State.State)
	require.Equal(t, 1, h.hub.Subscribers())
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, WithMetrics(m))
	h.seed(t, msgAt("m1", 1))
	h.remote.setSnapshot("conv-1", &Snapshot{Status: StatusActive, Messages: []Message{msgAt("m1", 1), msgAt("m2", 2)}})
	h.open(t, "conv-1")
	h.views.waitFor(t, "m2", hasIDs("m1", "m2"))

	h.hub.Publish(msgAt("m2", 2))
	h.hub.Publish(msgAt("m3", 3))
	h.views.waitFor(t, "m3", hasIDs("m1", "m2", "m3"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.merged))
	require.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues(sourceSnapshot)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues(sourceRealtime)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.openSessions))

	require.NoError(t, h.engine.Close())
	require.Equal(t, 0.0, testutil.ToFloat64(m.openSessions))
}

func TestEngineClosed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Close())
	_, err := h.engine.OpenConversation(context.Background(), "conv-1", nil)
	require.ErrorIs(t, err, ErrEngineClosed)
}
