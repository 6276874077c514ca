package outbox

import "github.com/rs/zerolog"

// DeferredHook is a platform facility that asks the process to flush later, for example
// after the OS wakes a suspended app. It is best effort; flushing never depends on it.
type DeferredHook interface {
	Register(trigger func()) error
	Close() error
}

// RegisterHook installs hook to trigger fn. Registration errors are logged and ignored.
// The returned stop func is safe to call when registration failed.
func RegisterHook(hook DeferredHook, fn func(), logger zerolog.Logger) (stop func()) {
	if hook == nil {
		return func() {}
	}
	if err := hook.Register(fn); err != nil {
		logger.Warn().Err(err).Msg("deferred replay hook unavailable")
		return func() {}
	}
	return func() {
		if err := hook.Close(); err != nil {
			logger.Debug().Err(err).Msg("close deferred replay hook")
		}
	}
}
