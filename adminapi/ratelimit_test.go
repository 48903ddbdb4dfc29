package adminapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter() (*tokenRateLimiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := newTokenRateLimiter()
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("10.0.0.1")
		blocked, _ := rl.check("10.0.0.1")
		assert.False(t, blocked)
	}
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	blocked, first := rl.check("10.0.0.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, first)

	rl.recordFailure("10.0.0.1")
	_, second := rl.check("10.0.0.1")
	assert.Equal(t, 2*baseLockout, second)

	for range 10 {
		rl.recordFailure("10.0.0.1")
	}
	_, capped := rl.check("10.0.0.1")
	assert.Equal(t, maxLockout, capped)

	blocked, _ = rl.check("10.0.0.2")
	assert.False(t, blocked, "other clients are unaffected")
}

func TestRateLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	rl.recordSuccess("10.0.0.1")
	blocked, _ := rl.check("10.0.0.1")
	assert.False(t, blocked)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, now := newTestLimiter()
	rl.recordFailure("10.0.0.1")
	*now = now.Add(attemptExpiry + time.Minute)
	rl.recordFailure("10.0.0.2")

	rl.sweep()
	assert.NotContains(t, rl.attempts, "10.0.0.1")
	assert.Contains(t, rl.attempts, "10.0.0.2")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/health", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	page, meta := paginate(items, 2, 4)
	assert.Equal(t, []int{5}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 2, 10)
	assert.Empty(t, page)
	assert.NotNil(t, page)
	assert.Equal(t, 5, meta.TotalCount)

	r := httptest.NewRequest("GET", "/v1/rotations?limit=500&offset=-3", nil)
	limit, offset := parsePagination(r)
	assert.Equal(t, maxPageLimit, limit)
	assert.Zero(t, offset)
}
