package botchat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unitCollector records flushed units for assertions.
type unitCollector struct {
	mu    sync.Mutex
	units []AggregatedUnit

	// block, when non-nil, is closed by the test to release an
	// in-flight flush
	block chan struct{}
}

func (u *unitCollector) flush(unit AggregatedUnit) {
	if u.block != nil {
		<-u.block
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.units = append(u.units, unit)
}

func (u *unitCollector) collected() []AggregatedUnit {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]AggregatedUnit, len(u.units))
	copy(out, u.units)
	return out
}

func waitForUnits(t testing.TB, c *unitCollector, n int) []AggregatedUnit {
	t.Helper()
	require.Eventually(
		t, func() bool {
			return len(c.collected()) >= n
		},
		5*time.Second,
		5*time.Millisecond,
	)
	return c.collected()
}

func pendingMsg(sender string, content string) PendingMessage {
	return PendingMessage{
		Sender:   sender,
		Content:  content,
		SenderID: "id-" + sender,
		Ref:      MessageRef{ChannelID: "chan1", MessageID: "m-" + content},
	}
}

// TestAggregatorSingleBurst verifies that messages from several users
// arriving within the window flush as one unit, in arrival order.
func TestAggregatorSingleBurst(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(50*time.Millisecond, collector.flush, nil)
	defer agg.Stop()

	agg.Submit("chan1", pendingMsg("Alice", "hi"))
	agg.Submit("chan1", pendingMsg("Bob", "hey Alice"))
	agg.Submit("chan1", pendingMsg("Alice", "what's up"))

	units := waitForUnits(t, collector, 1)
	require.Len(t, units, 1)
	assert.Equal(t, "chan1", units[0].Scope)
	require.Len(t, units[0].Messages, 3)
	assert.Equal(t, "hi", units[0].Messages[0].Content)
	assert.Equal(t, "hey Alice", units[0].Messages[1].Content)
	assert.Equal(t, "what's up", units[0].Messages[2].Content)
	assert.Equal(t, int64(1), agg.Flushes())
}

// TestAggregatorWindowSlides verifies the sliding deadline: messages
// spaced closer than the window stay in one burst even when the total
// span exceeds the window.
func TestAggregatorWindowSlides(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(60*time.Millisecond, collector.flush, nil)
	defer agg.Stop()

	for i := 0; i < 4; i++ {
		agg.Submit("chan1", pendingMsg("Alice", fmt.Sprintf("part-%d", i)))
		time.Sleep(20 * time.Millisecond)
	}

	units := waitForUnits(t, collector, 1)
	require.Len(t, units, 1)
	assert.Len(t, units[0].Messages, 4)
}

// TestAggregatorSeparateBursts verifies that a gap longer than the
// window splits messages into two flushes with no duplication.
func TestAggregatorSeparateBursts(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(30*time.Millisecond, collector.flush, nil)
	defer agg.Stop()

	agg.Submit("chan1", pendingMsg("Alice", "first"))
	waitForUnits(t, collector, 1)

	agg.Submit("chan1", pendingMsg("Alice", "second"))
	units := waitForUnits(t, collector, 2)

	require.Len(t, units, 2)
	assert.Equal(t, "first", units[0].Messages[0].Content)
	require.Len(t, units[1].Messages, 1)
	assert.Equal(t, "second", units[1].Messages[0].Content)
}

func TestAggregatorScopesAreIndependent(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(30*time.Millisecond, collector.flush, nil)
	defer agg.Stop()

	agg.Submit("chan1", pendingMsg("Alice", "in one"))
	agg.Submit("chan2", pendingMsg("Bob", "in two"))

	units := waitForUnits(t, collector, 2)
	scopes := []string{units[0].Scope, units[1].Scope}
	assert.ElementsMatch(t, []string{"chan1", "chan2"}, scopes)
}

// TestAggregatorSubmitDuringFlush verifies that a message arriving
// while a flush is in flight starts a fresh burst instead of joining
// the snapshot already handed off.
func TestAggregatorSubmitDuringFlush(t *testing.T) {
	collector := &unitCollector{block: make(chan struct{})}
	agg := NewAggregator(20*time.Millisecond, collector.flush, nil)

	agg.Submit("chan1", pendingMsg("Alice", "first"))

	// let the first flush start and park inside the callback
	time.Sleep(60 * time.Millisecond)
	agg.Submit("chan1", pendingMsg("Bob", "second"))

	close(collector.block)
	units := waitForUnits(t, collector, 2)
	agg.Stop()

	require.Len(t, units, 2)
	require.Len(t, units[0].Messages, 1)
	assert.Equal(t, "first", units[0].Messages[0].Content)
	require.Len(t, units[1].Messages, 1)
	assert.Equal(t, "second", units[1].Messages[0].Content)
}

// TestAggregatorConcurrentSubmits hammers one scope from several
// goroutines and verifies no message is lost or duplicated across
// flushes.
func TestAggregatorConcurrentSubmits(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(30*time.Millisecond, collector.flush, nil)

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				agg.Submit(
					"chan1",
					pendingMsg(
						fmt.Sprintf("u%d", sender),
						fmt.Sprintf("s%d-m%d", sender, j),
					),
				)
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(
		t, func() bool {
			var total int
			for _, unit := range collector.collected() {
				total += len(unit.Messages)
			}
			return total == senders*perSender
		},
		5*time.Second,
		10*time.Millisecond,
	)
	agg.Stop()

	seen := map[string]int{}
	for _, unit := range collector.collected() {
		for _, msg := range unit.Messages {
			seen[msg.Content]++
		}
	}
	assert.Len(t, seen, senders*perSender)
	for content, count := range seen {
		assert.Equalf(t, 1, count, "message %s flushed %d times", content, count)
	}
}

func TestAggregatorSubmitAfterStop(t *testing.T) {
	collector := &unitCollector{}
	agg := NewAggregator(10*time.Millisecond, collector.flush, nil)
	agg.Stop()

	agg.Submit("chan1", pendingMsg("Alice", "late"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, collector.collected())

	// Stop is idempotent
	agg.Stop()
}
