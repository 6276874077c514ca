//go:build !windows

package outbox

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHook triggers a flush when the process receives SIGUSR1.
type SignalHook struct {
	mu      sync.Mutex
	signals chan os.Signal
	done    chan struct{}
}

// NewSignalHook returns an unregistered hook.
func NewSignalHook() *SignalHook {
	return &SignalHook{}
}

func (h *SignalHook) Register(trigger func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signals != nil {
		return errors.New("signal hook already registered")
	}

	h.signals = make(chan os.Signal, 1)
	h.done = make(chan struct{})
	signal.Notify(h.signals, syscall.SIGUSR1)

	signals, done := h.signals, h.done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-signals:
				trigger()
			}
		}
	}()
	return nil
}

func (h *SignalHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signals == nil {
		return nil
	}
	signal.Stop(h.signals)
	close(h.done)
	h.signals = nil
	return nil
}
