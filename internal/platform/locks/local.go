package locks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/payoffsolar/api/internal/services"
)

// LocalLocker serialises order updates within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker waits up to wait for a held order lock before reporting busy.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot), wait: wait}
}

// Lock implements services.OrderLocker.
func (l *LocalLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := strings.TrimSpace(orderID)

	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	default:
		if err := l.await(ctx, key, s); err != nil {
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *LocalLocker) await(ctx context.Context, key string, s *slot) error {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.release(key, s, false)
		return fmt.Errorf("%w: order %s", services.ErrOrderBusy, key)
	case <-ctx.Done():
		l.release(key, s, false)
		return ctx.Err()
	}
}

func (l *LocalLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
