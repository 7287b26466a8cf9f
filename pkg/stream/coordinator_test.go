package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records every payload it receives.
type collector struct {
	mu       sync.Mutex
	payloads []any
	failAt   int
}

func (c *collector) Send(_ context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.payloads)+1 >= c.failAt {
		return errors.New("subscriber gone")
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func agentUpdates(t *testing.T, payloads []any) []AgentUpdatePayload {
	t.Helper()
	out := make([]AgentUpdatePayload, 0, len(payloads))
	for _, p := range payloads {
		u, ok := p.(AgentUpdatePayload)
		require.True(t, ok, "unexpected payload %T", p)
		out = append(out, u)
	}
	return out
}

func TestCoordinator_DrainGroupCanonicalOrder(t *testing.T) {
	c := NewCoordinator(0, nil)
	canonical := []string{"search", "analytics", "document", "compliance"}

	// Interleave events from two concurrently running agents.
	c.Queue("analytics", NewAgentUpdate("analytics", "a1", UpdateProcessing, 10, nil))
	c.Queue("search", NewAgentUpdate("search", "s1", UpdateProcessing, 10, nil))
	c.Queue("analytics", NewAgentUpdate("analytics", "a2", UpdateCompleted, 100, nil))
	c.Queue("search", NewAgentUpdate("search", "s2", UpdateCompleted, 100, nil))

	sub := &collector{}
	require.NoError(t, c.DrainGroup(context.Background(), sub, []string{"analytics", "search"}, canonical))

	got := agentUpdates(t, sub.payloads)
	require.Len(t, got, 4)

	// All of search first (canonical order), FIFO within each agent.
	assert.Equal(t, "s1", got[0].Message)
	assert.Equal(t, "s2", got[1].Message)
	assert.Equal(t, "a1", got[2].Message)
	assert.Equal(t, "a2", got[3].Message)
}

func TestCoordinator_DrainEmptiesQueues(t *testing.T) {
	c := NewCoordinator(0, nil)
	c.Queue("search", NewAgentUpdate("search", "s1", UpdateProcessing, 10, nil))

	require.NoError(t, c.DrainGroup(context.Background(), &collector{}, []string{"search"}, nil))
	assert.Equal(t, 0, c.QueuedLen("search"))
}

func TestCoordinator_NilSubscriberDiscards(t *testing.T) {
	c := NewCoordinator(0, nil)
	c.Queue("search", NewAgentUpdate("search", "s1", UpdateProcessing, 10, nil))

	require.NoError(t, c.DrainGroup(context.Background(), nil, []string{"search"}, nil))
	assert.Equal(t, 0, c.QueuedLen("search"))
}

func TestCoordinator_SendErrorStopsDrain(t *testing.T) {
	c := NewCoordinator(0, nil)
	c.Queue("search", NewAgentUpdate("search", "s1", UpdateProcessing, 10, nil))
	c.Queue("search", NewAgentUpdate("search", "s2", UpdateCompleted, 100, nil))

	sub := &collector{failAt: 2}
	err := c.DrainGroup(context.Background(), sub, []string{"search"}, nil)
	assert.Error(t, err)
	assert.Len(t, sub.payloads, 1)

	// The unsent event survives the failed drain and delivers on the next one.
	assert.Equal(t, 1, c.QueuedLen("search"))
	retry := &collector{}
	require.NoError(t, c.DrainGroup(context.Background(), retry, []string{"search"}, nil))
	got := agentUpdates(t, retry.payloads)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].Message)
}

func TestCoordinator_RequeueKeepsOrderUnderNewEvents(t *testing.T) {
	c := NewCoordinator(0, nil)
	c.Queue("search", NewAgentUpdate("search", "s1", UpdateProcessing, 10, nil))
	c.Queue("search", NewAgentUpdate("search", "s2", UpdateProcessing, 20, nil))

	// Every send fails; both events must return to the queue front.
	assert.Error(t, c.DrainGroup(context.Background(), &collector{failAt: 1}, []string{"search"}, nil))
	c.Queue("search", NewAgentUpdate("search", "s3", UpdateCompleted, 100, nil))

	sub := &collector{}
	require.NoError(t, c.DrainGroup(context.Background(), sub, []string{"search"}, nil))
	got := agentUpdates(t, sub.payloads)
	require.Len(t, got, 3)
	assert.Equal(t, "s1", got[0].Message)
	assert.Equal(t, "s2", got[1].Message)
	assert.Equal(t, "s3", got[2].Message)
}

func TestCoordinator_HighWaterMarkDropsOldest(t *testing.T) {
	var (
		dropMu    sync.Mutex
		dropAgent string
		dropTotal int
	)
	c := NewCoordinator(4, func(agent string, dropped int) {
		dropMu.Lock()
		defer dropMu.Unlock()
		dropAgent = agent
		dropTotal += dropped
	})

	for i := 0; i < 6; i++ {
		c.Queue("search", NewAgentUpdate("search", fmt.Sprintf("u%d", i), UpdateProcessing, i*10, nil))
	}

	assert.Equal(t, 4, c.QueuedLen("search"))
	dropMu.Lock()
	assert.Equal(t, "search", dropAgent)
	assert.Equal(t, 2, dropTotal)
	dropMu.Unlock()

	// The oldest updates were dropped; the newest survive.
	sub := &collector{}
	require.NoError(t, c.DrainGroup(context.Background(), sub, []string{"search"}, nil))
	got := agentUpdates(t, sub.payloads)
	require.Len(t, got, 4)
	assert.Equal(t, "u2", got[0].Message)
	assert.Equal(t, "u5", got[3].Message)
}

func TestCoordinator_NeverDropsErrorOrComplete(t *testing.T) {
	c := NewCoordinator(2, nil)

	c.Queue("search", NewError("search", "boom-1", "agent_failure"))
	c.Queue("search", NewAgentUpdate("search", "u1", UpdateProcessing, 10, nil))
	c.Queue("search", NewError("search", "boom-2", "agent_failure"))
	c.Queue("search", NewError("search", "boom-3", "agent_failure"))

	sub := &collector{}
	require.NoError(t, c.DrainGroup(context.Background(), sub, []string{"search"}, nil))

	// The lone droppable update went; every error survived.
	require.Len(t, sub.payloads, 3)
	for _, p := range sub.payloads {
		e, ok := p.(ErrorPayload)
		require.True(t, ok, "unexpected payload %T", p)
		assert.Equal(t, EventTypeError, e.Type)
	}
}

func TestCoordinator_AllErrorQueueKeepsGrowing(t *testing.T) {
	c := NewCoordinator(2, nil)
	for i := 0; i < 5; i++ {
		c.Queue("search", NewError("search", fmt.Sprintf("boom-%d", i), "agent_failure"))
	}
	assert.Equal(t, 5, c.QueuedLen("search"))
}

func TestCoordinator_ConcurrentQueue(t *testing.T) {
	c := NewCoordinator(0, nil)
	c.Register("search")
	c.Register("analytics")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Queue("search", NewAgentUpdate("search", fmt.Sprintf("s%d", i), UpdateProcessing, 0, nil))
		}(i)
		go func(i int) {
			defer wg.Done()
			c.Queue("analytics", NewAgentUpdate("analytics", fmt.Sprintf("a%d", i), UpdateProcessing, 0, nil))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, c.QueuedLen("search"))
	assert.Equal(t, 10, c.QueuedLen("analytics"))
}

func TestOrderBy(t *testing.T) {
	canonical := []string{"search", "analytics", "document", "compliance"}

	assert.Equal(t, []string{"search", "analytics"}, orderBy([]string{"analytics", "search"}, canonical))
	assert.Equal(t, []string{"document", "custom"}, orderBy([]string{"custom", "document"}, canonical))
	assert.Empty(t, orderBy(nil, canonical))
}
