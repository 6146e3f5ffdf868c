package convsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"
)

const (
	defaultReadInterval = 2 * time.Second
	sessionQueueSize    = 64
)

// ============================================================================
// Engine
// ============================================================================

// Engine keeps open conversations in sync. Each open conversation has a
// session goroutine that is the only writer of its view; all publishes of a
// conversation happen on that goroutine, in order.
type Engine struct {
	store  MessageStore
	remote RemoteClient
	live   RealtimeChannel
	userID string

	metrics    *Metrics
	staleAfter time.Duration
	readLimit  rate.Limit
	readBurst  int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	readers  map[string]*rate.Limiter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics records engine activity into m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithStaleAfter skips the snapshot fetch on open when the conversation was
// synced less than d ago. Zero always fetches.
func WithStaleAfter(d time.Duration) EngineOption {
	return func(e *Engine) { e.staleAfter = d }
}

// WithReadLimit throttles read receipts per conversation.
func WithReadLimit(limit rate.Limit, burst int) EngineOption {
	return func(e *Engine) {
		e.readLimit = limit
		e.readBurst = burst
	}
}

// WithClock replaces time.Now, for the sync watermark.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for currentUserID. live may be nil, in which
// case conversations are only refreshed from snapshots.
func NewEngine(store MessageStore, remote RemoteClient, live RealtimeChannel, currentUserID string, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		remote:    remote,
		live:      live,
		userID:    currentUserID,
		readLimit: rate.Every(defaultReadInterval),
		readBurst: 1,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		readers:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// spawn runs fn on a goroutine that Close waits for. It reports false once
// the engine is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) session(conversationID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[conversationID]
	if s == nil {
		return nil, errors.WithMessagef(ErrConversationNotOpen, "conversation %s", conversationID)
	}
	return s, nil
}

// OpenConversation loads the cached messages of a conversation, publishes
// them, and starts syncing it in the background. The returned View is the
// cached state and is also the first view passed to onView.
//
// Opening a conversation that is already open replaces its session; the cache
// becomes the new baseline.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string, onView ViewFunc) (View, error) {
	msgs, err := e.store.Load(ctx, conversationID)
	if err != nil {
		jww.ERROR.Printf("[convsync engine] load %s failed, starting empty: %+v", conversationID, err)
		msgs = nil
	}
	msgs = append([]Message(nil), msgs...)
	sortMessages(msgs)

	conv, err := e.store.LoadConversation(ctx, conversationID)
	if err != nil {
		jww.ERROR.Printf("[convsync engine] load conversation %s failed: %+v", conversationID, err)
		conv = nil
	}

	s := newSession(e, conversationID, msgs, conv, onView)
	view := s.buildView()
	s.view = view

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.cancel()
		return View{}, ErrEngineClosed
	}
	if old := e.sessions[conversationID]; old != nil {
		old.stop()
	}
	e.sessions[conversationID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.sessionOpened()
	s.post(func() { s.publishView(view) })
	go func() {
		defer e.wg.Done()
		s.run()
	}()

	if e.live != nil {
		s.subscribe(e.live)
	}

	if e.fresh(conv) {
		jww.DEBUG.Printf("[convsync engine] %s synced at %s, skipping snapshot",
			conversationID, conv.LastSyncedAt.Format(time.RFC3339))
	} else {
		e.spawn(func() { _ = s.refresh(s.ctx) })
	}
	return view, nil
}

func (e *Engine) fresh(conv *Conversation) bool {
	if e.staleAfter <= 0 || conv == nil || conv.LastSyncedAt.IsZero() {
		return false
	}
	return e.now().Sub(conv.LastSyncedAt) < e.staleAfter
}

// CloseConversation stops syncing a conversation. Results that arrive later
// are dropped. The cache is kept.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	s := e.sessions[conversationID]
	delete(e.sessions, conversationID)
	e.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

// Refresh fetches a snapshot of an open conversation and merges it. Unlike
// the refresh on open, the fetch error is returned.
func (e *Engine) Refresh(ctx context.Context, conversationID string) error {
	s, err := e.session(conversationID)
	if err != nil {
		return err
	}
	return s.refresh(ctx)
}

// View returns the latest published view of an open conversation.
func (e *Engine) View(conversationID string) (View, bool) {
	s, err := e.session(conversationID)
	if err != nil {
		return View{}, false
	}
	return s.lastView(), true
}

// SendMessage sends a message and, once the server has accepted it, adds it
// to the view and the cache. It fails with ErrRequestNotActive, without
// contacting the server, when the conversation's state does not allow
// sending. A failed send is not retried.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, ref *SharedRef) (*Message, error) {
	if content == "" && ref == nil {
		return nil, ErrEmptyMessage
	}
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.do(ctx, s.reserveSend); err != nil {
		return nil, err
	}

	msg, err := e.remote.Send(ctx, conversationID, content, ref)
	applyErr := s.do(context.Background(), func() error {
		s.sending--
		if err == nil {
			s.applyMessage(*msg, sourceSend)
		}
		return nil
	})
	if err != nil {
		jww.WARN.Printf("[convsync engine] send to %s failed: %v", conversationID, err)
		return nil, err
	}
	if applyErr != nil {
		// Session closed while sending; keep the cache current anyway.
		if _, storeErr := e.store.Append(e.ctx, conversationID, []Message{*msg}); storeErr != nil {
			jww.ERROR.Printf("[convsync engine] store sent message %s failed: %+v", msg.ID, storeErr)
		}
	}
	return msg, nil
}

// AcceptRequest accepts a pending request addressed to the current user.
func (e *Engine) AcceptRequest(ctx context.Context, conversationID string) error {
	return e.transition(ctx, conversationID, EventAccept, e.remote.Accept)
}

// RejectRequest rejects a pending request addressed to the current user. The
// conversation becomes terminal.
func (e *Engine) RejectRequest(ctx context.Context, conversationID string) error {
	return e.transition(ctx, conversationID, EventReject, e.remote.Reject)
}

func (e *Engine) transition(ctx context.Context, conversationID string, ev Event,
	call func(context.Context, string) error) error {
	s, err := e.session(conversationID)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		if s.acting || s.state() != StatePendingRecipient {
			return errors.WithMessagef(ErrActionNotAllowed, "%s in state %s", ev, s.state())
		}
		s.acting = true
		return nil
	})
	if err != nil {
		return err
	}

	err = call(ctx, conversationID)
	_ = s.do(context.Background(), func() error {
		s.acting = false
		if err == nil {
			s.applyEvent(ev)
		}
		return nil
	})
	if err != nil {
		jww.WARN.Printf("[convsync engine] %s %s failed: %v", ev, conversationID, err)
	}
	return err
}

// MarkRead sends a read receipt in the background. Failures are logged and
// never retried; receipts beyond the read limit are skipped.
func (e *Engine) MarkRead(conversationID string) {
	if !e.readLimiter(conversationID).Allow() {
		jww.TRACE.Printf("[convsync engine] read receipt for %s throttled", conversationID)
		return
	}
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(e.ctx, DefaultTimeout)
		defer cancel()
		if err := e.remote.MarkRead(ctx, conversationID); err != nil {
			jww.WARN.Printf("[convsync engine] read receipt for %s failed: %v", conversationID, err)
		}
	})
}

func (e *Engine) readLimiter(conversationID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.readers[conversationID]
	if l == nil {
		l = rate.NewLimiter(e.readLimit, e.readBurst)
		e.readers[conversationID] = l
	}
	return l
}

// Close stops every session and waits for background work to finish. The
// store is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// ============================================================================
// Session
// ============================================================================

type session struct {
	e      *Engine
	id     string
	onView ViewFunc

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()

	subsMu sync.Mutex
	subs   []Subscription

	viewMu sync.RWMutex
	view   View

	// owned by the session goroutine
	msgs       []Message
	known      messageSet
	conv       Conversation
	stale      bool
	refreshErr error
	sending    int
	acting     bool
}

func newSession(e *Engine, id string, msgs []Message, conv *Conversation, onView ViewFunc) *session {
	ctx, cancel := context.WithCancel(e.ctx)
	s := &session{
		e:      e,
		id:     id,
		onView: onView,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan func(), sessionQueueSize),
		msgs:   msgs,
		known:  newMessageSet(msgs),
		conv:   Conversation{ID: id},
	}
	if conv != nil {
		s.conv = *conv
		s.conv.ID = id
	}
	return s
}

func (s *session) run() {
	defer s.e.metrics.sessionClosed()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			if s.ctx.Err() != nil {
				return
			}
			op()
		}
	}
}

func (s *session) stop() {
	s.cancel()
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// post queues op. It is dropped if the session is closed.
func (s *session) post(op func()) {
	select {
	case s.ops <- op:
	case <-s.ctx.Done():
	}
}

// do runs op on the session goroutine and waits for its result.
func (s *session) do(ctx context.Context, op func() error) error {
	errc := make(chan error, 1)
	select {
	case s.ops <- func() { errc <- op() }:
	case <-s.ctx.Done():
		return errors.WithMessagef(ErrConversationNotOpen, "conversation %s", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.ctx.Done():
		return errors.WithMessagef(ErrConversationNotOpen, "conversation %s", s.id)
	}
}

func (s *session) subscribe(live RealtimeChannel) {
	subs := []Subscription{live.Subscribe(func(m Message) {
		if m.ConversationID != s.id {
			return
		}
		s.post(func() { s.applyMessage(m, sourceRealtime) })
	})}
	if sc, ok := live.(StatusChannel); ok {
		subs = append(subs, sc.SubscribeStatus(func(ev StatusEvent) {
			if ev.ConversationID != s.id {
				return
			}
			s.post(func() { s.applyStatusEvent(ev) })
		}))
	}

	s.subsMu.Lock()
	if s.ctx.Err() != nil {
		s.subsMu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return
	}
	s.subs = append(s.subs, subs...)
	s.subsMu.Unlock()
}

// refresh fetches a snapshot outside the session goroutine and merges it on
// it. A result arriving after the session closed is dropped.
func (s *session) refresh(ctx context.Context) error {
	snap, err := s.e.remote.FetchSnapshot(ctx, s.id)
	applyErr := s.do(context.Background(), func() error {
		s.applySnapshot(snap, err)
		return nil
	})
	if applyErr != nil {
		jww.DEBUG.Printf("[convsync engine] dropping snapshot of closed conversation %s", s.id)
	}
	return err
}

// ============================================================================
// Session state (session goroutine only)
// ============================================================================

func (s *session) applySnapshot(snap *Snapshot, err error) {
	if err == nil && snap == nil {
		snap = &Snapshot{}
	}
	if err != nil {
		jww.WARN.Printf("[convsync engine] refresh of %s failed (%s), keeping cached view: %v",
			s.id, errorKind(err), err)
		s.e.metrics.refreshFailed(err)
		s.stale = true
		s.refreshErr = err
		s.publish()
		return
	}

	wasStale := s.stale
	s.stale = false
	s.refreshErr = nil

	newOnes := unseen(s.known, snap.Messages)
	s.e.metrics.addDuplicates(sourceSnapshot, len(snap.Messages)-len(newOnes))
	if len(newOnes) > 0 {
		s.merge(newOnes)
	}

	statusChanged := s.setRemoteStatus(snap.Status, snap.InitiatedBy)
	if len(snap.Participants) > 0 {
		s.conv.Participants = append([]string(nil), snap.Participants...)
	}
	s.conv.LastSyncedAt = s.e.now()

	if len(newOnes) > 0 || statusChanged || wasStale {
		s.publish()
	}
	if len(newOnes) > 0 {
		s.writeThrough(newOnes)
	}
	s.persistConversation()
	jww.TRACE.Printf("[convsync engine] refreshed %s: %d new of %d, state %s",
		s.id, len(newOnes), len(snap.Messages), s.state())
}

// applyMessage merges a single message from the realtime channel or a send.
func (s *session) applyMessage(m Message, source string) {
	if m.ID == "" {
		return
	}
	if s.known.has(m.ID) {
		jww.DEBUG.Printf("[convsync engine] duplicate %s from %s in %s ignored", m.ID, source, s.id)
		s.e.metrics.addDuplicates(source, 1)
		return
	}
	if m.ConversationID == "" {
		m.ConversationID = s.id
	}
	added := []Message{m}
	s.merge(added)
	s.publish()
	s.writeThrough(added)
}

func (s *session) applyStatusEvent(ev StatusEvent) {
	if s.setRemoteStatus(ev.Status, ev.InitiatedBy) {
		s.persistConversation()
		s.publish()
	}
}

// applyEvent applies a local action that the server confirmed.
func (s *session) applyEvent(ev Event) {
	prev := s.state()
	next := Reduce(prev, ev)
	if next == prev {
		return
	}
	s.conv.Status = StatusFor(next)
	s.persistConversation()
	s.publish()
}

// setRemoteStatus records a status reported by the server. The server is
// authoritative except over a terminal state.
func (s *session) setRemoteStatus(status ConversationStatus, initiatedBy string) bool {
	if status == "" {
		return false
	}
	prev := s.state()
	if prev == StateTerminal {
		return false
	}
	if initiatedBy != "" {
		s.conv.InitiatedBy = initiatedBy
	}
	switch status {
	case StatusActive:
		s.conv.Status = StatusFor(Reduce(prev, EventRemoteStatusActive))
	case StatusBlocked:
		s.conv.Status = StatusFor(Reduce(prev, EventRemoteStatusBlocked))
	default:
		s.conv.Status = status
	}
	return s.state() != prev
}

func (s *session) merge(added []Message) {
	s.msgs = mergeView(s.msgs, added)
	for i := range added {
		s.known[added[i].ID] = struct{}{}
	}
	s.e.metrics.addMerged(len(added))
}

func (s *session) writeThrough(msgs []Message) {
	if _, err := s.e.store.Append(s.ctx, s.id, msgs); err != nil {
		jww.ERROR.Printf("[convsync engine] write-through of %d messages to %s failed: %+v",
			len(msgs), s.id, err)
	}
}

func (s *session) persistConversation() {
	conv := s.conv
	if err := s.e.store.SaveConversation(s.ctx, &conv); err != nil {
		jww.ERROR.Printf("[convsync engine] save conversation %s failed: %+v", s.id, err)
	}
}

func (s *session) facts() Facts {
	return Facts{
		Status:        s.conv.Status,
		InitiatedBy:   s.conv.InitiatedBy,
		CurrentUserID: s.e.userID,
		SentCount:     countSentBy(s.msgs, s.e.userID),
	}
}

func (s *session) state() RequestState { return Derive(s.facts()) }

// actions counts sends in flight as sent, so the initiator of a pending
// request cannot race two first messages.
func (s *session) actions() StateSnapshot {
	f := s.facts()
	return Actions(Derive(f), f.SentCount+s.sending)
}

func (s *session) reserveSend() error {
	if !s.actions().CanSend {
		return errors.WithMessagef(ErrRequestNotActive, "conversation %s in state %s", s.id, s.state())
	}
	s.sending++
	return nil
}

func (s *session) buildView() View {
	return View{
		ConversationID: s.id,
		Messages:       s.msgs,
		State:          s.actions(),
		Stale:          s.stale,
		RefreshErr:     s.refreshErr,
	}
}

func (s *session) publish() { s.publishView(s.buildView()) }

func (s *session) publishView(v View) {
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
	s.e.metrics.published()
	if s.onView != nil {
		safeCall(func() { s.onView(v) })
	}
}

func (s *session) lastView() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}
