// Package logging provides the two loggers used across the system: a
// per-core zerolog logger for replica/client hot paths (cheap enough to
// call from a protocol handler) and a zap logger for the composition
// layer's startup/shutdown/topology orchestration, mirroring the split
// between the teacher's src/ws (zerolog) and go-server-3 (zap) variants.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

// NewReplicaLogger returns a zerolog.Logger tagged with the owning core id.
// Output is line-buffered JSON to stdout, matching src/logger.go.
func NewReplicaLogger(core uint8, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Uint8("core", core).
		Logger()
}

// NewDispatchLogger builds the process-wide structured logger for the
// composition/dispatch layer, matching go-server-3's internal/logging.
func NewDispatchLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
