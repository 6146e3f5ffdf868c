package main

import (
	"context"
	"fmt"
	"path/filepath"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/Prismer-AI/convsync"
)

// transport is the live connection feeding the hub, if any.
type transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// runtime bundles everything a command needs to drive one engine.
type runtime struct {
	cfg    *Config
	client *convsync.Client
	store  *convsync.PebbleStore
	hub    *convsync.Hub
	live   transport
	ws     *convsync.RealtimeWSClient
	engine *convsync.Engine
}

// newRuntime builds the client, store and engine from the saved config. The
// realtime transport is created but not connected; call connect for that.
func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'convsync init <token> <user-id>' first")
	}
	if cfg.Default.UserID == "" {
		return nil, fmt.Errorf("no user id configured. Run 'convsync config set default.user_id <id>'")
	}

	snapshotTimeout, err := duration("sync.snapshot_timeout", cfg.Sync.SnapshotTimeout, convsync.DefaultSnapshotTimeout)
	if err != nil {
		return nil, err
	}
	staleAfter, err := duration("sync.stale_after", cfg.Sync.StaleAfter, 0)
	if err != nil {
		return nil, err
	}

	opts := []convsync.ClientOption{convsync.WithSnapshotTimeout(snapshotTimeout)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, convsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := convsync.NewClient(cfg.Auth.Token, opts...)

	storePath := cfg.Sync.StorePath
	if storePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		storePath = filepath.Join(dir, "messages")
	}
	store, err := convsync.OpenPebbleStore(storePath)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, client: client, store: store, hub: convsync.NewHub()}
	rtCfg := &convsync.RealtimeConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
		OnStateChange: func(s convsync.RealtimeState) {
			jww.INFO.Printf("[convsync cli] realtime %s", s)
		},
	}
	switch cfg.Sync.Transport {
	case "", "ws":
		rt.ws = convsync.NewRealtimeWSClient(client.BaseURL(), rtCfg, rt.hub)
		rt.live = rt.ws
	case "sse":
		rt.live = convsync.NewRealtimeSSEClient(client.BaseURL(), rtCfg, rt.hub)
	case "none":
	default:
		store.Close()
		return nil, fmt.Errorf("unknown transport %q", cfg.Sync.Transport)
	}

	rt.engine = convsync.NewEngine(store, client, rt.hub, cfg.Default.UserID,
		convsync.WithMetrics(metrics),
		convsync.WithStaleAfter(staleAfter),
	)
	return rt, nil
}

// connect starts the realtime transport and joins the conversation room. A
// failure is logged and the command continues on snapshots alone.
func (rt *runtime) connect(ctx context.Context, conversationID string) {
	if rt.live == nil {
		return
	}
	if err := rt.live.Connect(ctx); err != nil {
		jww.WARN.Printf("[convsync cli] realtime unavailable: %v", err)
		return
	}
	if rt.ws != nil {
		if err := rt.ws.JoinConversation(ctx, conversationID); err != nil {
			jww.WARN.Printf("[convsync cli] join %s: %v", conversationID, err)
		}
	}
}

// open opens a conversation and waits for the first snapshot so the state
// machine has a known status before the command acts on it.
func (rt *runtime) open(ctx context.Context, conversationID string, onView convsync.ViewFunc) (convsync.View, error) {
	if _, err := rt.engine.OpenConversation(ctx, conversationID, onView); err != nil {
		return convsync.View{}, err
	}
	if err := rt.engine.Refresh(ctx, conversationID); err != nil {
		jww.WARN.Printf("[convsync cli] refresh %s: %v", conversationID, err)
	}
	view, _ := rt.engine.View(conversationID)
	return view, nil
}

// close stops the engine first so pending write-through and read receipts
// finish before the store goes away.
func (rt *runtime) close() {
	if err := rt.engine.Close(); err != nil {
		jww.WARN.Printf("[convsync cli] engine close: %v", err)
	}
	if rt.live != nil {
		_ = rt.live.Disconnect()
	}
	if err := rt.store.Close(); err != nil {
		jww.WARN.Printf("[convsync cli] store close: %v", err)
	}
}
