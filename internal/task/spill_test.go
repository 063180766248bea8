package task

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapInlineBelowThreshold(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 16)
	tk, err := s.Wrap([]byte("small"))
	require.NoError(t, err)

	assert.NotEmpty(t, tk.ID)
	assert.False(t, tk.Spilled())
	assert.Equal(t, []byte("small"), tk.Payload)
	assert.NoError(t, tk.Validate())

	got, err := s.Resolve(tk)
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)
}

func TestWrapAtThresholdStaysInline(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 8)
	tk, err := s.Wrap(bytes.Repeat([]byte("x"), 8))
	require.NoError(t, err)
	assert.False(t, tk.Spilled())
}

func TestWrapSpillsOversizedPayload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewSpiller(dir, "svc", 8)
	data := bytes.Repeat([]byte("abc"), 100)

	tk, err := s.Wrap(data)
	require.NoError(t, err)

	require.True(t, tk.Spilled())
	assert.Empty(t, tk.Payload, "payload must be empty at transport time")
	assert.Equal(t, int64(len(data)), tk.Spill.Size)
	assert.Equal(t, int64(len(data)), tk.Size())
	assert.Equal(t, dir, filepath.Dir(tk.Spill.Path))
	assert.FileExists(t, tk.Spill.Path)

	got, err := s.Resolve(tk)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, tk.Spill.Path, "spill file must be removed after resolve")
}

func TestSpillFilesAreUnique(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 1)
	a, err := s.Wrap([]byte("aaaa"))
	require.NoError(t, err)
	b, err := s.Wrap([]byte("aaaa"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Spill.Path, b.Spill.Path)
}

func TestResolveDetectsTampering(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 1)
	tk, err := s.Wrap([]byte("original"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(tk.Spill.Path, []byte("modified"), 0o600))

	_, err = s.Resolve(tk)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDigestMismatch))
	assert.NoFileExists(t, tk.Spill.Path)
}

func TestResolveMissingSpillFile(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 1)
	tk, err := s.Wrap([]byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(tk.Spill.Path))

	_, err = s.Resolve(tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read spill file")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Tick.Validate())
	assert.NoError(t, (&Task{ID: "a"}).Validate(), "empty inline payload is legal")
	assert.NoError(t, (&Task{ID: "a", Payload: []byte("x")}).Validate())
	assert.NoError(t, (&Task{ID: "a", Spill: &SpillRef{Path: "/tmp/x"}}).Validate())

	both := &Task{ID: "a", Payload: []byte("x"), Spill: &SpillRef{Path: "/tmp/x"}}
	assert.ErrorIs(t, both.Validate(), ErrInvalidTask)

	noPath := &Task{ID: "a", Spill: &SpillRef{}}
	assert.ErrorIs(t, noPath.Validate(), ErrInvalidTask)
}

func TestTick(t *testing.T) {
	t.Parallel()

	assert.True(t, Tick.IsTick())
	var nilTask *Task
	assert.True(t, nilTask.IsTick())
	assert.False(t, (&Task{ID: "x"}).IsTick())
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	s := NewSpiller(t.TempDir(), "svc", 1)
	tk, err := s.Wrap([]byte("bye"))
	require.NoError(t, err)

	require.NoError(t, s.Discard(tk))
	assert.NoFileExists(t, tk.Spill.Path)
	assert.NoError(t, s.Discard(tk), "second discard is a no-op")
	assert.NoError(t, s.Discard(&Task{ID: "inline", Payload: []byte("x")}))
}

func TestSweepRemovesOnlyOwnSpillFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewSpiller(dir, "svc", 1)

	_, err := s.Wrap([]byte("orphan-1"))
	require.NoError(t, err)
	_, err = s.Wrap([]byte("orphan-2"))
	require.NoError(t, err)

	other := NewSpiller(dir, "other", 1)
	keep, err := other.Wrap([]byte("not ours"))
	require.NoError(t, err)

	unrelated := filepath.Join(dir, "svc-notes.spill")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o600))

	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, keep.Spill.Path)
	assert.FileExists(t, unrelated)
}

func TestNewSpillerDefaults(t *testing.T) {
	t.Parallel()

	s := NewSpiller("/dev/shm", "my service/1", 0)
	assert.Equal(t, DefaultSpillThreshold, s.Threshold())
	assert.Equal(t, "/dev/shm", s.Dir())
	assert.Equal(t, "my_service_1", s.prefix)
}
