package outbox

import "errors"

// SignalHook is unavailable on Windows; Register always fails and flushing relies on
// connectivity and the periodic timer.
type SignalHook struct{}

// NewSignalHook returns a hook whose registration fails.
func NewSignalHook() *SignalHook {
	return &SignalHook{}
}

func (h *SignalHook) Register(func()) error {
	return errors.New("deferred replay signal not supported on windows")
}

func (h *SignalHook) Close() error {
	return nil
}
