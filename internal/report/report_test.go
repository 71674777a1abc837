package report

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/cellkernel/internal/kernel"
)

var _ kernel.Execution = (*Cell)(nil)

func TestCellLifecycle(t *testing.T) {
	c := NewCell("1+1")
	require.NotEmpty(t, c.ID)
	assert.Equal(t, Pending, c.Transcript().Status)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.AppendOutput(kernel.Output{Kind: kernel.OutputStream, Stream: "stdout", Data: "stale"})
	c.Start(start)
	c.ClearOutput()
	c.SetRequestID(3)
	c.AppendOutput(kernel.Output{Kind: kernel.OutputStream, Stream: "stdout", Data: "2"})
	c.AppendOutput(kernel.Output{Kind: kernel.OutputStream, Stream: "stdout", Data: "\n"})
	assert.Equal(t, Running, c.Transcript().Status)
	c.End(true, start.Add(1500*time.Millisecond))

	tr := c.Transcript()
	assert.Equal(t, Succeeded, tr.Status)
	assert.Equal(t, int64(3), tr.RequestID)
	assert.Equal(t, 1500*time.Millisecond, tr.Duration())
	assert.Equal(t, "2\n", tr.Stream("stdout"))
	assert.Empty(t, tr.Stream("stderr"))
	_, failed := tr.Failure()
	assert.False(t, failed)
	assert.Contains(t, tr.Summary(), "succeeded in 1.5s")
}

func TestTranscriptIsACopy(t *testing.T) {
	c := NewCell("x")
	c.AppendOutput(kernel.Output{Kind: kernel.OutputDisplay, MimeType: "text/plain", Data: "a"})
	tr := c.Transcript()
	c.AppendOutput(kernel.Output{Kind: kernel.OutputDisplay, MimeType: "text/plain", Data: "b"})
	assert.Len(t, tr.Outputs, 1)
	assert.Len(t, c.Transcript().Outputs, 2)
}

func TestFailedSummary(t *testing.T) {
	c := NewCell(`error("boom")`)
	c.Start(time.Now())
	c.AppendOutput(kernel.Output{Kind: kernel.OutputError, ErrorName: "ErrorException", ErrorMessage: "boom"})
	c.End(false, time.Now())

	tr := c.Transcript()
	e, ok := tr.Failure()
	require.True(t, ok)
	assert.Equal(t, "boom", e.ErrorMessage)
	assert.Contains(t, tr.Summary(), "failed: ErrorException: boom")
	assert.Len(t, ByKind(tr, kernel.OutputError), 1)
	assert.Empty(t, ByKind(tr, kernel.OutputDisplay))
}

func TestLRUStore_Eviction(t *testing.T) {
	s := NewLRUStore(2)
	a, b, c := NewCell("a"), NewCell("b"), NewCell("c")
	require.NoError(t, s.Save(a))
	require.NoError(t, s.Save(b))

	// Touch a so that b becomes the oldest.
	got, err := s.Load(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, s.Save(c))
	assert.Equal(t, 2, s.Len())

	_, err = s.Load(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []*Cell{c, a}, s.Recent(5))
	assert.Equal(t, []*Cell{c}, s.Recent(1))
}

func TestLRUStore_SaveRefreshes(t *testing.T) {
	s := NewLRUStore(0)
	a := NewCell("a")
	require.NoError(t, s.Save(a))
	require.NoError(t, s.Save(a))
	assert.Equal(t, 1, s.Len())
}

func TestFormat(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := Transcript{
		ID:        "c1",
		RequestID: 2,
		Status:    Failed,
		Started:   start,
		Ended:     start.Add(20 * time.Millisecond),
		Outputs: []kernel.Output{
			{Kind: kernel.OutputStream, Stream: "stdout", Data: "a"},
			{Kind: kernel.OutputStream, Stream: "stdout", Data: "b\n"},
			{Kind: kernel.OutputStream, Stream: "stderr", Data: "warn\n"},
			{Kind: kernel.OutputDisplay, MimeType: "text/html", Data: "<b>hi</b>"},
			{Kind: kernel.OutputError, ErrorName: "ErrorException", ErrorMessage: "boom", StackTrace: "Stacktrace:\n [1] top-level scope"},
		},
	}

	want := `Cell: c1 (request 2)
Status: failed in 20ms

[stdout]
    ab
[stderr]
    warn
[display text/html]
    <b>hi</b>
[error] ErrorException: boom
    Stacktrace:
     [1] top-level scope
`
	assert.Equal(t, want, Format(tr))
}

func TestFormat_NoOutputs(t *testing.T) {
	assert.Equal(t, "Cell: c2 (request 0)\nStatus: pending\n", Format(Transcript{ID: "c2", Status: Pending}))
}

func TestFormat_TruncatesBinaryDisplay(t *testing.T) {
	data := make([]byte, 200)
	for i := range data {
		data[i] = 'A'
	}
	out := Format(Transcript{ID: "c3", Status: Succeeded, Outputs: []kernel.Output{
		{Kind: kernel.OutputDisplay, MimeType: "image/png", Data: string(data)},
	}})
	assert.Contains(t, out, "... (200 bytes)")
}

func TestFormat_TruncatesOnRuneBoundary(t *testing.T) {
	// 119 ASCII bytes put the cut in the middle of the first "é".
	data := strings.Repeat("a", maxInlineData-1) + strings.Repeat("é", 10)
	out := Format(Transcript{ID: "c4", Status: Succeeded, Outputs: []kernel.Output{
		{Kind: kernel.OutputDisplay, MimeType: "application/octet-stream", Data: data},
	}})
	assert.True(t, utf8.ValidString(out), "output split a rune: %q", out)
	assert.Contains(t, out, strings.Repeat("a", maxInlineData-1)+"... (139 bytes)")
}
