// Package router 按CAN标识符把总线上的帧分发到各自的队列。
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

// Stats 路由计数器快照
type Stats struct {
	Routed  uint64
	Dropped uint64 // queue full
	Unknown uint64 // no queue registered for the identifier
}

// Router routes frames to per-identifier queues. It never looks at the
// payload, so it is safe to call from the bus receive path.
type Router struct {
	queues map[uint32]chan tp_layer.CanMessage // Key: arbitration id
	mu     sync.RWMutex
	logger *slog.Logger

	routed  atomic.Uint64
	dropped atomic.Uint64
	unknown atomic.Uint64
}

// New creates a new router
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		queues: make(map[uint32]chan tp_layer.CanMessage),
		logger: logger,
	}
}

// Register creates the queue for id. Registering the same id twice is an error.
func (r *Router) Register(id uint32, depth int) (<-chan tp_layer.CanMessage, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("queue depth for 0x%X must be positive, got %d", id, depth)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[id]; exists {
		return nil, fmt.Errorf("queue for identifier 0x%X already exists", id)
	}
	q := make(chan tp_layer.CanMessage, depth)
	r.queues[id] = q
	return q, nil
}

// Unregister removes the queue for id. The channel is left open; readers
// stop receiving new frames.
func (r *Router) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.queues, id)
}

// Route delivers msg to the queue registered for its identifier. Never blocks.
func (r *Router) Route(msg tp_layer.CanMessage) bool {
	r.mu.RLock()
	q, exists := r.queues[msg.ArbitrationID]
	r.mu.RUnlock()

	if !exists {
		r.unknown.Add(1)
		return false
	}

	select {
	case q <- msg:
		r.routed.Add(1)
		return true
	default:
		r.dropped.Add(1)
		r.logger.Debug("router queue full, frame dropped", "id", fmt.Sprintf("0x%03X", msg.ArbitrationID))
		return false
	}
}

// RouteFrom pumps rx into the registered queues until ctx is done or rx is closed.
func (r *Router) RouteFrom(ctx context.Context, rx <-chan tp_layer.CanMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-rx:
			if !ok {
				return nil
			}
			r.Route(msg)
		}
	}
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:  r.routed.Load(),
		Dropped: r.dropped.Load(),
		Unknown: r.unknown.Load(),
	}
}

// QueueCount returns the number of registered identifiers
func (r *Router) QueueCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.queues)
}
