// Package relaylog is the relay's and forwarder's shared logging entry
// point: a thin wrapper over zap that defaults to a no-op logger so tests
// and library callers never need to wire one up explicitly.
package relaylog

import "go.uber.org/zap"

// New builds a production JSON logger at the given level name
// ("debug"|"info"|"warn"|"error"). An unrecognized level falls back to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zap.AtomicLevel
	switch level {
	case "debug":
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		lvl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// Nop returns a logger that discards everything, used as the default when
// no logger is supplied (mirrors observability's noop-observer idiom).
func Nop() *zap.Logger {
	return zap.NewNop()
}

// orNop returns l if non-nil, else a discarding logger.
func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Or is the exported form of orNop, for callers outside this package that
// accept an optional *zap.Logger constructor argument.
func Or(l *zap.Logger) *zap.Logger {
	return orNop(l)
}
