package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackCallIDsNeverCollideAcrossResponses(t *testing.T) {
	// Two responses that each synthesize an id for their first tool call
	// must not produce the same id: both calls land on the same thread, and
	// the store rejects duplicate tool call ids.
	first := fallbackCallID(0)
	second := fallbackCallID(0)

	assert.True(t, strings.HasPrefix(first, "call_"))
	assert.True(t, strings.HasPrefix(second, "call_"))
	assert.NotEqual(t, first, second)
}
