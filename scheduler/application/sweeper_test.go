package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_HealthyWhenIdle(t *testing.T) {
	h := newHarness(t)
	s := NewSweeper(h.lifecycle, h.store, h.queue, HealthThresholds{})

	_, ok := s.LastReport()
	assert.False(t, ok)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.True(t, report.QueueConnected)
	require.NotNil(t, report.QueueStats)
	assert.Empty(t, report.Recommendations)
	assert.Equal(t, baseTime, report.CheckedAt)

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.CheckedAt, last.CheckedAt)
}

func TestSweeper_ExpiresAndFlagsProblems(t *testing.T) {
	h := newHarness(t)
	h.create(t, "stale", post.PlatformLinkedIn, baseTime.Add(-25*time.Hour), post.StatusPending)
	h.create(t, "stuck", post.PlatformLinkedIn, baseTime.Add(-10*time.Minute), post.StatusPending)
	h.create(t, "ok", post.PlatformLinkedIn, baseTime.Add(time.Hour), post.StatusPending)
	h.create(t, "f1", post.PlatformX, baseTime.Add(-time.Hour), post.StatusFailed)
	h.create(t, "f2", post.PlatformX, baseTime.Add(-2*time.Hour), post.StatusFailed)

	s := NewSweeper(h.lifecycle, h.store, h.queue, HealthThresholds{MaxFailed: 1})
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, post.StatusExpired, h.get(t, "stale").Status)
	assert.Equal(t, int64(2), report.StatusCounts[post.StatusFailed])
	assert.Equal(t, int64(2), report.StatusCounts[post.StatusPending])
	assert.Equal(t, []string{"stuck"}, report.StuckPosts)
	require.Len(t, report.Recommendations, 2)
	assert.Contains(t, report.Recommendations[0], "2 posts are FAILED")
	assert.Contains(t, report.Recommendations[1], "10 minutes ago")
}

func TestSweeper_QueueProblems(t *testing.T) {
	h := newHarness(t)

	h.queue.pingErr = errors.New("dial tcp: connection refused")
	report, err := NewSweeper(h.lifecycle, h.store, h.queue, HealthThresholds{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.False(t, report.QueueConnected)
	assert.Nil(t, report.QueueStats)
	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "unreachable")

	report, err = NewSweeper(h.lifecycle, h.store, nil, HealthThresholds{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Recommendations[0], "No job queue configured")
}
