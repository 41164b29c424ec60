package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/config"
	"github.com/gotrs-io/gotrs-postmaster/internal/notifications"
)

func newTestApp(t *testing.T, backends ...string) *app {
	t.Helper()
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Notifier.Backends = backends
	return &app{cfg: cfg, logger: zap.NewNop()}
}

func TestBuildNotifierLog(t *testing.T) {
	a := newTestApp(t, "log")
	require.NoError(t, a.buildNotifier())
	multi, ok := a.notifier.(notifications.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)
	assert.Nil(t, a.outbox)
}

func TestBuildNotifierNone(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.buildNotifier())
	assert.NotNil(t, a.notifier)
	_, isMulti := a.notifier.(notifications.Multi)
	assert.False(t, isMulti)
}

func TestBuildNotifierOutbox(t *testing.T) {
	a := newTestApp(t, "outbox", "LOG")
	require.NoError(t, a.buildNotifier())
	require.NotNil(t, a.outbox)
	assert.Empty(t, a.relay)
	multi, ok := a.notifier.(notifications.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestBuildNotifierErrors(t *testing.T) {
	a := newTestApp(t, "redis")
	assert.ErrorContains(t, a.buildNotifier(), "needs redis.enabled")

	a = newTestApp(t, "fax")
	assert.ErrorContains(t, a.buildNotifier(), `unknown backend "fax"`)
}

func TestAppCloseRunsClosersInReverse(t *testing.T) {
	var order []int
	a := &app{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return assert.AnError },
	}}
	assert.ErrorIs(t, a.Close(), assert.AnError)
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, a.Close())
}
