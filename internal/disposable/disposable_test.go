package disposable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type handle struct {
	Disposable
	destroyed bool
}

func newHandle(maxInactivity time.Duration) *handle {
	h := &handle{}
	h.Init(maxInactivity, func() { h.destroyed = true })
	return h
}

func TestSweepDestroysOnlyIdlePastBudget(t *testing.T) {
	Reset()
	fresh := newHandle(time.Hour)
	stale := newHandle(time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	Sweep()

	require.False(t, fresh.destroyed)
	require.True(t, stale.destroyed)
}

func TestKeepInUseResetsIdleClock(t *testing.T) {
	Reset()
	h := newHandle(50 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.KeepInUse()
	time.Sleep(30 * time.Millisecond)

	Sweep()

	require.False(t, h.destroyed, "KeepInUse should have postponed GC")
}

func TestSetAutoDestructFalseSuppressesSweep(t *testing.T) {
	Reset()
	h := newHandle(time.Nanosecond)
	h.SetAutoDestruct(false)
	time.Sleep(2 * time.Millisecond)

	Sweep()

	require.False(t, h.destroyed, "auto_destruct=false must suppress GC while an op is outstanding")
}

func TestUnregisterRemovesFromSweep(t *testing.T) {
	Reset()
	h := newHandle(time.Nanosecond)
	h.Unregister()
	time.Sleep(2 * time.Millisecond)

	Sweep()

	require.False(t, h.destroyed)
}
