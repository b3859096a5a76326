package exchange

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileTransport(t *testing.T) *FileTransport {
	t.Helper()
	f, err := NewFileTransport(t.TempDir(), WithPollInterval(2*time.Millisecond))
	require.NoError(t, err)
	return f
}

func TestFilePublishRenamesIntoPlace(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, f.Publish(context.Background(), &protocol.State{Tick: 12, Time: 12}))

	assert.Equal(t, filepath.Join(f.Dir(), "state_000012.json"), f.StatePath(12))
	data, err := os.ReadFile(f.StatePath(12))
	require.NoError(t, err)
	s, err := protocol.DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, int64(12), s.Tick)

	leftovers, err := os.ReadDir(filepath.Join(f.Dir(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary file must be renamed away")
}

func TestFilePublishOverwritesAtomically(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, f.Publish(context.Background(), &protocol.State{Tick: 1, Time: 1}))
	require.NoError(t, f.Publish(context.Background(), &protocol.State{Tick: 1, Time: 1.5}))

	data, err := os.ReadFile(f.StatePath(1))
	require.NoError(t, err)
	s, err := protocol.DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, 1.5, s.Time)
}

func TestFilePublishFailsWhenDirectoryIsGone(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.RemoveAll(f.Dir()))
	assert.Error(t, f.Publish(context.Background(), &protocol.State{Tick: 0}))
}

func TestFileAwaitMissingFileTimesOut(t *testing.T) {
	f := newFileTransport(t)
	_, err := f.AwaitDecision(context.Background(), 3, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoDecision)
}

func TestFileAwaitPicksUpLateDecision(t *testing.T) {
	f := newFileTransport(t)
	time.AfterFunc(15*time.Millisecond, func() {
		_ = os.WriteFile(f.ActionPath(4), []byte(`{"tick": 4, "assign": [{"cloudlet_id": 1, "vm_id": 101}]}`), 0o644)
	})

	d, err := f.AwaitDecision(context.Background(), 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Assignment{{JobID: 1, ResourceID: 101}}, d.Assignments)
}

func TestFileAwaitRetriesPartialWrite(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.WriteFile(f.ActionPath(2), []byte(`{"assignments": [`), 0o644))
	time.AfterFunc(15*time.Millisecond, func() {
		_ = os.WriteFile(f.ActionPath(2), []byte(`{"assignments": [{"job_id": 5, "resource_id": 201}]}`), 0o644)
	})

	d, err := f.AwaitDecision(context.Background(), 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Assignment{{JobID: 5, ResourceID: 201}}, d.Assignments)
}

func TestFileAwaitPartialWriteAtDeadlineIsMalformed(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.WriteFile(f.ActionPath(2), []byte(`{"assignments": [`), 0o644))
	_, err := f.AwaitDecision(context.Background(), 2, 20*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrIncompleteDecision)
}

func TestFileAwaitWrongShape(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.WriteFile(f.ActionPath(0), []byte(`[1, 2, 3]`), 0o644))
	_, err := f.AwaitDecision(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformedDecision)
}

func TestFileAwaitNonIntegerTickIsMalformed(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.WriteFile(f.ActionPath(6), []byte(`{"tick": "five", "assignments": [{"job_id": 1, "resource_id": 101}]}`), 0o644))
	_, err := f.AwaitDecision(context.Background(), 6, time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformedDecision)
}

func TestFileAwaitIgnoresPayloadForOtherTick(t *testing.T) {
	f := newFileTransport(t)
	require.NoError(t, os.WriteFile(f.ActionPath(6), []byte(`{"tick": 5, "assignments": [{"job_id": 1, "resource_id": 1}]}`), 0o644))
	_, err := f.AwaitDecision(context.Background(), 6, 20*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTickMismatch)
}

func TestFileAwaitHonoursCancellation(t *testing.T) {
	f := newFileTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := f.AwaitDecision(ctx, 0, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileTransportRejectsEmptyDir(t *testing.T) {
	_, err := NewFileTransport("")
	assert.Error(t, err)
}
