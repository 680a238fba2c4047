package errh

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuiet() *ErrorHandler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCountsAndMessages(t *testing.T) {
	eh := newQuiet()
	require.Zero(t, eh.NErrors())

	err := eh.Errorf("bad port %d", 3)
	require.Error(t, err)
	assert.Equal(t, "bad port 3", err.Error())
	eh.Warningf("timer behind")

	assert.Equal(t, 1, eh.NErrors())
	assert.Equal(t, 1, eh.NWarnings())
	assert.Contains(t, eh.Messages(), "bad port 3")
	assert.Contains(t, eh.Messages(), "warning: timer behind")
}

func TestContextPrefixesSharedCounters(t *testing.T) {
	eh := newQuiet()
	child := eh.Context("counter@3")

	child.Errorf("bad argument")
	assert.Equal(t, 1, eh.NErrors(), "child errors count on the root")
	assert.Contains(t, eh.Messages(), "counter@3: bad argument")

	grand := child.Context("deeper")
	grand.Warningf("odd")
	assert.Equal(t, 1, eh.NWarnings())
}

func TestWarningThrottle(t *testing.T) {
	eh := newQuiet()
	for i := 0; i < 50; i++ {
		eh.Warningf("same thing")
	}

	assert.Equal(t, 50, eh.NWarnings(), "all warnings counted")
	lines := 0
	for _, line := range splitLines(eh.Messages()) {
		if line == "warning: same thing" {
			lines++
		}
	}
	assert.Equal(t, defaultMaxRepeats, lines, "but only the first few recorded")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
