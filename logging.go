package cage

import "go.uber.org/zap"

// WithLogger sets the *zap.Logger a Cage hands to modules through
// ModuleContext.Logger. The Cage itself emits no log entries, and
// guest console output belongs to modules/console's sink.
// Defaults to a no-op logger so embedding a Cage never forces logs
// onto a caller that didn't ask for them.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cage) {
		c.logger = logger
	}
}
