package exitcodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldRestart(t *testing.T) {
	t.Parallel()

	// Clean shutdown stays down.
	assert.False(t, ShouldRestart(OK))

	// Conditions a fresh process cannot fix stay down, including the
	// whole transient band through 113.
	for code := ConfigFailure; code <= transientBandEnd; code++ {
		assert.False(t, ShouldRestart(code), "code %d must not restart", code)
	}

	// A requested restart is restartable by definition.
	assert.True(t, ShouldRestart(RestartRequested))

	// Crashes (signals surface as -1 from ProcessState) and unknown
	// codes come back.
	assert.True(t, ShouldRestart(-1))
	assert.True(t, ShouldRestart(1))
	assert.True(t, ShouldRestart(137))
}
