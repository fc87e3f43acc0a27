package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/followlytics/followlytics/internal/followlytics"
)

var _ followlytics.Clock = (*Clock)(nil)

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	got := New().Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinDuration(t, time.Now(), got, time.Second)
}

func TestNowFeedsUsageBuckets(t *testing.T) {
	t.Parallel()

	now := New().Now()
	assert.Equal(t, now.Format("2006-01"), followlytics.UsageKey(now))
}
