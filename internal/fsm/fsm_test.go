package fsm

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSM() *FSM {
	return NewFSM("P-1", slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestLockThenCommit(t *testing.T) {
	f := newTestFSM()
	var entered []string
	f.RegisterCallback(StateCommitted, func(id string) { entered = append(entered, id) })

	require.NoError(t, f.Fire(EventLock))
	require.NoError(t, f.Fire(EventLock), "续锁")
	require.NoError(t, f.Fire(EventCommit))
	assert.Equal(t, StateCommitted, f.Current())
	assert.True(t, f.Terminal())
	assert.Equal(t, []string{"P-1"}, entered)
}

func TestTerminalStatesRejectEvents(t *testing.T) {
	for _, ev := range []Event{EventCancel, EventExpire} {
		f := newTestFSM()
		require.NoError(t, f.Fire(ev))
		assert.False(t, f.Can(EventCommit))
		err := f.Fire(EventCommit)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	}
}

func TestCommitWithoutLock(t *testing.T) {
	f := newTestFSM()
	assert.True(t, f.Can(EventCommit))
	require.NoError(t, f.Fire(EventCommit))
	assert.Equal(t, StateCommitted, f.Current())
}
