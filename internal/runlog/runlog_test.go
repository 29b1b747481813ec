package runlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCompleteFailRoundtrip(t *testing.T) {
	l := New(t.TempDir())

	h := l.Start("run-1", "research", map[string]any{"question": "q"})
	h.Complete(1234)
	l.Start("run-1", "structure", nil).Fail(errors.New("boom"))

	events, err := l.Read("run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, "start", events[0].Status)
	assert.Equal(t, "research", events[0].Stage)
	assert.Equal(t, "q", events[0].Fields["question"])

	assert.Equal(t, "complete", events[1].Status)
	assert.EqualValues(t, 1234, events[1].Fields["output_bytes"])
	assert.Contains(t, events[1].Fields, "duration_ms")

	assert.Equal(t, "fail", events[3].Status)
	assert.Equal(t, "boom", events[3].Fields["error"])
}

func TestRunsAreIsolatedPerFile(t *testing.T) {
	l := New(t.TempDir())
	l.Start("run-a", "research", nil).Complete(0)
	l.Start("run-b", "research", nil).Complete(0)

	a, err := l.Read("run-a")
	require.NoError(t, err)
	b, err := l.Read("run-b")
	require.NoError(t, err)
	assert.Len(t, a, 2)
	assert.Len(t, b, 2)
	for _, ev := range a {
		assert.Equal(t, "run-a", ev.RunID)
	}
}

func TestHostileRunIDIsSanitized(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	l.Start("../../etc/passwd", "research", nil).Complete(0)

	events, err := l.Read("../../etc/passwd")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNilLoggerIsNoOp(t *testing.T) {
	var l *Logger
	h := l.Start("run", "stage", nil)
	h.Complete(0)
	h.Fail(errors.New("x"))

	events, err := l.Read("run")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadUnknownRunIsEmptyNotError(t *testing.T) {
	l := New(t.TempDir())
	events, err := l.Read("never-ran")
	require.NoError(t, err)
	assert.Empty(t, events)
}
