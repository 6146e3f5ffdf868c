package convsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	eventAuthenticated      = "authenticated"
	eventMessageNew         = "message.new"
	eventConversationStatus = "conversation.status"
	eventPong               = "pong"
	eventError              = "error"
)

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// dispatchEnvelope decodes the events the engine cares about into sink.
// Other event types are ignored.
func dispatchEnvelope(sink EventSink, env RealtimeEnvelope) {
	switch env.Type {
	case eventMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			jww.WARN.Printf("[convsync realtime] bad %s payload: %v", env.Type, err)
			return
		}
		sink.Publish(m)
	case eventConversationStatus:
		var ev StatusEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			jww.WARN.Printf("[convsync realtime] bad %s payload: %v", env.Type, err)
			return
		}
		sink.PublishStatus(ev)
	case eventError:
		jww.WARN.Printf("[convsync realtime] server error: %s", env.Payload)
	}
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime transports.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client

	// OnStateChange, if set, is called on every connection state change.
	OnStateChange func(RealtimeState)
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// connState is shared by both transports.
type connState struct {
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	onChange         func(RealtimeState)
}

func (s *connState) get() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *connState) set(st RealtimeState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.onChange != nil {
		go s.onChange(st)
	}
}

func (s *connState) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentionalClose
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns an exponential backoff with jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket transport with heartbeat and auto-reconnect.
// Decoded events are published into its sink.
type RealtimeWSClient struct {
	baseURL string
	config  *RealtimeConfig
	sink    EventSink
	recon   *reconnector
	connState

	connMu   sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc

	counter      atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan pongPayload

	joinedMu sync.Mutex
	joined   map[string]struct{}
}

// NewRealtimeWSClient creates a WebSocket transport for the API at baseURL.
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig, sink EventSink) *RealtimeWSClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeWSClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		sink:         sink,
		recon:        newReconnector(config),
		connState:    connState{state: StateDisconnected, onChange: config.OnStateChange},
		pendingPings: make(map[string]chan pongPayload),
		joined:       make(map[string]struct{}),
	}
}

// URL returns the WebSocket endpoint derived from the API base URL.
func (ws *RealtimeWSClient) URL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(ws.config.Token)
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState { return ws.get() }

// Connect dials, waits for the authenticated event and starts the read and
// heartbeat loops.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.set(StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.URL(), nil)
	if err != nil {
		ws.set(StateDisconnected)
		return wrapSentinel(ErrNetwork, err, "websocket dial")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.set(StateDisconnected)
		return wrapSentinel(ErrNetwork, err, "read auth message")
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != eventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.set(StateDisconnected)
		return wrapSentinel(ErrAuth, err, "expected %q, got %q", eventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.connMu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	ws.connMu.Unlock()
	ws.recon.markConnected()
	ws.set(StateConnected)
	jww.INFO.Printf("[convsync realtime] websocket connected to %s", ws.baseURL)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	ws.rejoin(connCtx)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	ws.mu.Unlock()

	ws.connMu.Lock()
	conn, cancel := ws.conn, ws.cancelFn
	ws.conn, ws.cancelFn = nil, nil
	ws.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	ws.clearPendingPings()
	ws.set(StateDisconnected)
	return err
}

// JoinConversation asks the server to push events of a conversation. Joined
// conversations are re-joined after a reconnect.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	ws.joinedMu.Lock()
	ws.joined[conversationID] = struct{}{}
	ws.joinedMu.Unlock()
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation stops pushes for a conversation.
func (ws *RealtimeWSClient) LeaveConversation(ctx context.Context, conversationID string) error {
	ws.joinedMu.Lock()
	delete(ws.joined, conversationID)
	ws.joinedMu.Unlock()
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

func (ws *RealtimeWSClient) rejoin(ctx context.Context) {
	ws.joinedMu.Lock()
	ids := make([]string, 0, len(ws.joined))
	for id := range ws.joined {
		ids = append(ids, id)
	}
	ws.joinedMu.Unlock()
	for _, id := range ids {
		err := ws.Send(ctx, &RealtimeCommand{
			Type:    "conversation.join",
			Payload: map[string]string{"conversationId": id},
		})
		if err != nil {
			jww.WARN.Printf("[convsync realtime] rejoin %s: %v", id, err)
		}
	}
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.connMu.Lock()
	conn := ws.conn
	ws.connMu.Unlock()
	if conn == nil {
		return wrapSentinel(ErrNetwork, nil, "websocket not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", ws.counter.Add(1))

	ch := make(chan pongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return wrapSentinel(ErrNetwork, nil, "connection closed during ping")
		}
		return nil
	case <-time.After(10 * time.Second):
		return wrapSentinel(ErrTimeout, nil, "ping %s", requestID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.closing() {
				return
			}
			ws.connMu.Lock()
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.connMu.Unlock()
			ws.set(StateDisconnected)
			jww.WARN.Printf("[convsync realtime] websocket read failed: %v", err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == eventPong {
			ws.resolvePong(env.Payload)
			continue
		}
		dispatchEnvelope(ws.sink, env)
	}
}

func (ws *RealtimeWSClient) resolvePong(payload json.RawMessage) {
	var p pongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				jww.WARN.Printf("[convsync realtime] heartbeat failed: %v", err)
				ws.connMu.Lock()
				conn := ws.conn
				ws.connMu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		attempt, delay := ws.recon.nextDelay()
		ws.set(StateReconnecting)
		jww.INFO.Printf("[convsync realtime] reconnect attempt %d in %s", attempt, delay)
		time.Sleep(delay)

		if ws.closing() {
			return
		}
		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.set(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is a server-sent events transport with a stale-stream
// watchdog and auto-reconnect.
type RealtimeSSEClient struct {
	baseURL string
	config  *RealtimeConfig
	sink    EventSink
	recon   *reconnector
	connState

	cancelMu     sync.Mutex
	cancelFn     context.CancelFunc
	lastDataTime atomic.Int64
	staleAfter   time.Duration
}

// NewRealtimeSSEClient creates an SSE transport for the API at baseURL.
func NewRealtimeSSEClient(baseURL string, config *RealtimeConfig, sink EventSink) *RealtimeSSEClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeSSEClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		sink:       sink,
		recon:      newReconnector(config),
		connState:  connState{state: StateDisconnected, onChange: config.OnStateChange},
		staleAfter: 45 * time.Second,
	}
}

// URL returns the SSE endpoint.
func (sse *RealtimeSSEClient) URL() string {
	return sse.baseURL + "/sse?token=" + url.QueryEscape(sse.config.Token)
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState { return sse.get() }

// Connect opens the event stream.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.intentionalClose = false
	sse.mu.Unlock()
	sse.set(StateConnecting)

	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.URL(), nil)
	if err != nil {
		cancel()
		sse.set(StateDisconnected)
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		sse.set(StateDisconnected)
		return classifyTransportError(err, http.MethodGet, "/sse")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.set(StateDisconnected)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return wrapSentinel(ErrAuth, nil, "SSE HTTP %d", resp.StatusCode)
		}
		return wrapSentinel(ErrNetwork, nil, "SSE HTTP %d", resp.StatusCode)
	}

	sse.cancelMu.Lock()
	sse.cancelFn = cancel
	sse.cancelMu.Unlock()
	sse.lastDataTime.Store(time.Now().UnixNano())
	sse.recon.markConnected()
	sse.set(StateConnected)
	jww.INFO.Printf("[convsync realtime] event stream connected to %s", sse.baseURL)

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	sse.mu.Unlock()

	sse.cancelMu.Lock()
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.cancelMu.Unlock()
	sse.set(StateDisconnected)
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		sse.lastDataTime.Store(time.Now().UnixNano())

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				dispatchEnvelope(sse.sink, env)
			}
		}
	}

	if sse.closing() {
		return
	}
	sse.set(StateDisconnected)
	jww.WARN.Printf("[convsync realtime] event stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(sse.staleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, sse.lastDataTime.Load())
			if time.Since(last) > sse.staleAfter {
				jww.WARN.Printf("[convsync realtime] event stream stale since %s", last.Format(time.RFC3339))
				cancel()
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	for {
		attempt, delay := sse.recon.nextDelay()
		sse.set(StateReconnecting)
		jww.INFO.Printf("[convsync realtime] reconnect attempt %d in %s", attempt, delay)
		time.Sleep(delay)

		if sse.closing() {
			return
		}
		err := sse.Connect(context.Background())
		if err == nil {
			return
		}
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			sse.set(StateDisconnected)
			return
		}
	}
}
