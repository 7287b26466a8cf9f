package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Subscriber receives ordered outbound events. Implemented by WebSocket
// connections and by test collectors; a nil subscriber is valid and drops
// everything.
type Subscriber interface {
	Send(ctx context.Context, payload any) error
}

// DefaultHighWaterMark is the per-agent queue cap before the drop policy
// engages.
const DefaultHighWaterMark = 1024

// Coordinator buffers events per agent while a group executes and drains them
// in canonical agent order once the group settles. Intra-agent order is FIFO;
// across groups the drain order gives a total order.
//
// Backpressure: when an agent's queue exceeds the high-water mark, the oldest
// droppable event (progress, agent_update) is discarded. Error and complete
// events are never dropped. onDrop reports each discarded batch so the run
// can record a stream_dropped error entry.
type Coordinator struct {
	mu     sync.Mutex
	queues map[string][]Event
	hwm    int
	onDrop func(agent string, dropped int)
}

// NewCoordinator creates a coordinator with the given high-water mark.
// onDrop may be nil.
func NewCoordinator(hwm int, onDrop func(agent string, dropped int)) *Coordinator {
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	return &Coordinator{
		queues: make(map[string][]Event),
		hwm:    hwm,
		onDrop: onDrop,
	}
}

// Register creates agent's queue. Queueing to an unregistered agent registers
// it implicitly; Register exists so the executor can set up all queues before
// spawning the group.
func (c *Coordinator) Register(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[agent]; !ok {
		c.queues[agent] = []Event{}
	}
}

// Queue appends e to agent's queue, applying the drop policy at the
// high-water mark.
func (c *Coordinator) Queue(agent string, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := append(c.queues[agent], e)
	if len(q) > c.hwm {
		q = c.dropOldest(agent, q)
	}
	c.queues[agent] = q
}

// dropOldest removes the oldest droppable event from q. Called with the mutex
// held.
func (c *Coordinator) dropOldest(agent string, q []Event) []Event {
	idx := slices.IndexFunc(q, func(e Event) bool {
		return e.Type == EventTypeProgress || e.Type == EventTypeAgentUpdate
	})
	if idx < 0 {
		// Queue is all errors/completions; keep growing rather than lose them.
		return q
	}
	slog.Warn("Stream backpressure, dropping oldest event",
		"agent", agent, "event_type", q[idx].Type, "queue_len", len(q))
	if c.onDrop != nil {
		c.onDrop(agent, 1)
	}
	return append(q[:idx], q[idx+1:]...)
}

// DrainGroup emits every queued event for the group's agents, whole agent at
// a time, following canonicalOrder. Draining stops on the first send error
// (subscriber gone); unsent events, including the failed one, go back to the
// front of their queue so a later drain can retry them.
func (c *Coordinator) DrainGroup(ctx context.Context, sub Subscriber, group []string, canonicalOrder []string) error {
	for _, agent := range orderBy(group, canonicalOrder) {
		c.mu.Lock()
		events := c.queues[agent]
		delete(c.queues, agent)
		c.mu.Unlock()

		if sub == nil {
			continue
		}
		for i, e := range events {
			if err := sub.Send(ctx, e.Payload); err != nil {
				c.requeueFront(agent, events[i:])
				return err
			}
		}
	}
	return nil
}

// requeueFront restores events ahead of anything queued since the drain took
// the slice.
func (c *Coordinator) requeueFront(agent string, events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[agent] = append(append([]Event(nil), events...), c.queues[agent]...)
}

// QueuedLen returns the queue length for agent. Used by tests and health.
func (c *Coordinator) QueuedLen(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[agent])
}

// orderBy sorts group members by their position in canonicalOrder; members
// missing from the canonical order follow in their given order.
func orderBy(group, canonicalOrder []string) []string {
	ordered := make([]string, 0, len(group))
	for _, name := range canonicalOrder {
		if slices.Contains(group, name) {
			ordered = append(ordered, name)
		}
	}
	for _, name := range group {
		if !slices.Contains(ordered, name) {
			ordered = append(ordered, name)
		}
	}
	return ordered
}
