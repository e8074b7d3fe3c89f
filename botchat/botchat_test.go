package botchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContext returns a context bounded by the test deadline.
func testContext(t testing.TB) (context.Context, context.CancelFunc) {
	t.Helper()
	if deadline, ok := t.(interface{ Deadline() (time.Time, bool) }); ok {
		if d, has := deadline.Deadline(); has {
			return context.WithDeadline(context.Background(), d)
		}
	}
	return context.WithCancel(context.Background())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	// no tokens set
	bot, err := New(cfg)
	require.Error(t, err)
	assert.Nil(t, bot)
}
