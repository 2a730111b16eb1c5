package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy_DelayGrowsExponentially(t *testing.T) {
	policy := ReconnectPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   3 * time.Minute,
		MaxRetries: -1,
	}

	for retry := 0; retry < 5; retry++ {
		expected := time.Second << uint(retry)
		delay := policy.Delay(retry)

		// Jitter adds up to 20% on top of the exponential term.
		assert.GreaterOrEqual(t, delay, expected, "retry %d", retry)
		assert.Less(t, delay, expected+expected/5+time.Millisecond, "retry %d", retry)
	}
}

func TestReconnectPolicy_DelayCappedAtMax(t *testing.T) {
	policy := ReconnectPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		MaxRetries: -1,
	}

	for retry := 10; retry < 40; retry += 10 {
		delay := policy.Delay(retry)
		assert.LessOrEqual(t, delay, policy.MaxDelay, "retry %d", retry)
	}
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
