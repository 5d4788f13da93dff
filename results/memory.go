package results

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryPublisher implements ResultPublisher using in-memory storage.
type MemoryPublisher struct {
	mu      sync.RWMutex
	results map[int]*Result
	subs    map[int][]chan *Result
	closed  atomic.Bool
	now     func() time.Time
}

// NewMemoryPublisher creates a new in-memory result publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		results: make(map[int]*Result),
		subs:    make(map[int][]chan *Result),
		now:     time.Now,
	}
}

// Publish stores the task's result and hands it to waiting subscribers.
func (p *MemoryPublisher) Publish(ctx context.Context, result Result) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ValidateResult(result); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if result.PublishedAt.IsZero() {
		result.PublishedAt = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.results == nil {
		return ErrClosed
	}
	if _, exists := p.results[result.TaskID]; exists {
		return ErrAlreadyExists
	}

	// Store a clone to prevent external mutation
	stored := result.Clone()
	p.results[result.TaskID] = stored

	for _, ch := range p.subs[result.TaskID] {
		ch <- stored.Clone()
		close(ch)
	}
	delete(p.subs, result.TaskID)
	return nil
}

// Get retrieves a result by task ID.
func (p *MemoryPublisher) Get(ctx context.Context, taskID int) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if taskID < 0 {
		return nil, ErrInvalidTaskID
	}

	p.mu.RLock()
	result, exists := p.results[taskID]
	p.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return result.Clone(), nil
}

// Subscribe returns a channel that receives the task's result.
func (p *MemoryPublisher) Subscribe(taskID int) (<-chan *Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if taskID < 0 {
		return nil, ErrInvalidTaskID
	}

	// capacity 1: Publish never blocks on a slow subscriber
	ch := make(chan *Result, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.results[taskID]; ok {
		ch <- existing.Clone()
		close(ch)
		return ch, nil
	}
	p.subs[taskID] = append(p.subs[taskID], ch)
	return ch, nil
}

// List returns results matching the filter criteria.
func (p *MemoryPublisher) List(filter ResultFilter) ([]*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.RLock()
	var out []*Result
	for _, r := range p.results {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close shuts down the publisher and closes pending subscriptions.
func (p *MemoryPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, chans := range p.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	p.results = nil
	p.subs = nil
	return nil
}
