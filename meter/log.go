package meter

import (
	"log/slog"

	"github.com/ineyio/neutralgate"
)

// LogMeter logs fan-out events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ neutralgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnFanout(e neutralgate.FanoutEvent) {
	m.Logger.Info("fanout",
		"request_id", e.RequestID,
		"providers", e.Providers,
		"mode", e.Mode,
		"tier", e.Tier,
	)
}

func (m *LogMeter) OnResult(e neutralgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"provider", e.Provider,
			"model", e.Model,
			"simulated", e.Simulated,
			"duration_ms", e.Duration.Milliseconds(),
			"tokens", e.Tokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
