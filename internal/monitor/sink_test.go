package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xlwatch/internal/compare"
)

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	var buf bytes.Buffer
	sink := MultiSink{a, b, &JSONSink{W: &buf}}
	ctx := context.Background()

	ev := &compare.Event{
		Number: 3,
		Path:   "/w/book.xlsx",
		Changes: []compare.CellChange{
			{Sheet: "Sheet1", Address: "A1", Kind: compare.KindAdded, NewFormula: "=1+1"},
		},
	}
	sink.Event(ctx, ev)
	sink.Status(ctx, FileStatus{Path: "/w/bad.xlsx", Status: StatusError, Err: errors.New("corrupt")})

	for _, s := range []*recordingSink{a, b} {
		require.Len(t, s.Events(), 1)
		assert.Equal(t, int64(3), s.Events()[0].Number)
		assert.True(t, s.hasStatus("/w/bad.xlsx", StatusError))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var gotEvent map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &gotEvent))
	assert.Equal(t, "event", gotEvent["type"])
	assert.Equal(t, float64(3), gotEvent["number"])
	assert.Equal(t, "/w/book.xlsx", gotEvent["path"])

	var gotStatus map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &gotStatus))
	assert.Equal(t, "status", gotStatus["type"])
	assert.Equal(t, "error", gotStatus["status"])
	assert.Equal(t, "corrupt", gotStatus["error"])
}
