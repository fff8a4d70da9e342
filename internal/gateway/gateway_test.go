// ABOUTME: Tests for Gateway wiring, lifecycle, and listener helpers
// ABOUTME: Covers mode selection, audit wiring, graceful shutdown, and tailscale key resolution

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/run-gateway/internal/audit"
	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/config"
	"github.com/2389/run-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLocalMode(t *testing.T) {
	cfg := config.Default()

	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	assert.Nil(t, g.upstream)
	assert.Nil(t, g.ledger)
	if _, ok := g.store.(*store.MemoryStore); !ok {
		t.Errorf("expected memory store in local mode, got %T", g.store)
	}
	assert.Equal(t, config.ModeLocal, g.dispatcher.Mode())
}

func TestNewForwardingMode(t *testing.T) {
	cfg := config.Default()
	cfg.Coordinator.URL = "http://coordinator.internal:9000"

	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	require.NotNil(t, g.upstream)
	assert.Equal(t, "http://coordinator.internal:9000", g.upstream.BaseURL())
	if _, ok := g.store.(*store.ForwardingStore); !ok {
		t.Errorf("expected forwarding store, got %T", g.store)
	}
	assert.Equal(t, config.ModeForwarding, g.dispatcher.Mode())
}

func TestNewWiresAuditLedger(t *testing.T) {
	cfg := config.Default()
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")

	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	require.NotNil(t, g.ledger)

	// Operations made through the dispatcher land in the ledger.
	r, err := g.dispatcher.StartRun(t.Context(), nil, "", auth.Anonymous)
	require.NoError(t, err)
	_, err = g.dispatcher.CancelRun(t.Context(), r.ID, auth.Anonymous)
	require.NoError(t, err)

	entries, err := g.ledger.List(t.Context(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	actions := map[audit.Action]bool{}
	for _, e := range entries {
		actions[e.Action] = true
		assert.Equal(t, config.ModeLocal, e.Mode)
		assert.Equal(t, auth.Anonymous.Subject, e.Actor)
		assert.Equal(t, r.ID, e.RunID)
	}
	assert.True(t, actions[audit.ActionStartRun])
	assert.True(t, actions[audit.ActionCancelRun])
}

func TestShutdownWithoutRun(t *testing.T) {
	g, err := New(config.Default(), testLogger())
	require.NoError(t, err)

	assert.NoError(t, g.Shutdown(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second

	g, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := config.Default()
	cfg.Server.HTTPAddr = taken.Addr().String()

	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	err = g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	key, err := resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	// Configured key wins over the environment.
	key, err = resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TS_AUTHKEY")
}

func TestResolveTailscaleStateDir(t *testing.T) {
	configured := filepath.Join(t.TempDir(), "tsstate")
	dir, err := resolveTailscaleStateDir(configured)
	require.NoError(t, err)
	assert.Equal(t, configured, dir)
	assert.DirExists(t, dir)

	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "run-gateway", "tailscale"), dir)
	assert.DirExists(t, dir)
}

func TestAppendCloseError(t *testing.T) {
	errs := appendCloseError(nil, "thing", nil)
	assert.Empty(t, errs)

	errs = appendCloseError(errs, "thing", errors.New("boom"))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "thing")
	assert.Contains(t, errs[0].Error(), "boom")
}
