package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatLimiterPerSession(t *testing.T) {
	cl := newChatLimiter(1000, 1, 2)

	// Burst of 2, then the bucket is dry.
	assert.True(t, cl.allow("student-1"))
	assert.True(t, cl.allow("student-1"))
	assert.False(t, cl.allow("student-1"))

	// Other sessions have their own bucket.
	assert.True(t, cl.allow("student-2"))

	// Forgetting the session refills it.
	cl.forget("student-1")
	assert.True(t, cl.allow("student-1"))
}

func TestChatStreamRateLimited(t *testing.T) {
	h := newHarness(t, &scriptedStepper{})

	var got429 bool
	for i := 0; i < 10; i++ {
		resp := h.post(t, "/chat/stream", map[string]string{
			"session_id": "student-1",
			"prompt":     "hi",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			got429 = true
		}
		resp.Body.Close()
	}
	require.True(t, got429, "expected per-session limit to trip")
}
