package notify

import (
	"context"
	"sync"
)

// Memory fans signals out to in-process subscribers.
type Memory struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[chan string]struct{})}
}

func (m *Memory) Publish(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		offer(ch, entryID)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}
