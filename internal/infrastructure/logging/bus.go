package logging

import (
	"strings"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

// Attach mirrors bus diagnostics into the logger: log.warn, log.error,
// router.error and every *.error / *.Error event. Directory changes are
// logged at debug level. The returned function detaches the logger.
func Attach(router *bus.Router, logger *Logger) (stop func()) {
	l := logger.With("component", "bus")
	return bus.Tap(router, func(env bus.Envelope) {
		args := []any{
			"type", env.Type,
			"src", env.Src,
			"dst", env.Dst,
			"transaction", env.Transaction,
			"payload", bus.Summary(env.Payload),
		}

		switch {
		case env.Type == bus.TypeLogWarn:
			l.Warn("bus warning", args...)
		case env.Type == bus.TypeLogError, env.Type == bus.TypeRouterError:
			l.Error("bus error", args...)
		case isErrorType(env.Type):
			l.Error("endpoint error", args...)
		case env.Type == bus.TypeRegistered, env.Type == bus.TypeUnregistered:
			l.Debug("directory changed", args...)
		}
	})
}

func isErrorType(typ string) bool {
	return strings.HasSuffix(typ, ".error") || strings.HasSuffix(typ, ".Error")
}
