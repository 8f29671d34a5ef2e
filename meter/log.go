package meter

import (
	"log/slog"

	"github.com/ineyio/postgate"
)

// LogMeter logs gate events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ postgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnCheck(e postgate.CheckEvent) {
	if e.Allowed {
		m.Logger.Info("check",
			"allowed", true,
			"derivation", e.Derivation,
			"remaining", e.Remaining,
		)
	} else {
		m.Logger.Warn("check_denied",
			"derivation", e.Derivation,
			"blocking", e.Blocking,
			"reason", e.Reason,
		)
	}
	for _, t := range e.Transitions {
		m.Logger.Info("quota_state",
			"scope", t.Scope,
			"from", t.From.String(),
			"to", t.To.String(),
		)
	}
}

func (m *LogMeter) OnRejected(e postgate.RejectedEvent) {
	attrs := []any{
		"app_remaining", e.Headers.App.Remaining,
		"app_limit", e.Headers.App.Limit,
		"user_remaining", e.Headers.User.Remaining,
		"user_limit", e.Headers.User.Limit,
		"source", e.Headers.App.Provenance,
	}
	if !e.Headers.App.ResetAt.IsZero() {
		attrs = append(attrs, "app_reset", e.Headers.App.ResetAt)
	}
	if !e.Headers.User.ResetAt.IsZero() {
		attrs = append(attrs, "user_reset", e.Headers.User.ResetAt)
	}
	if len(e.Headers.Invalid) > 0 {
		attrs = append(attrs, "invalid_headers", e.Headers.Invalid)
	}
	if e.Error != nil {
		attrs = append(attrs, "error", e.Error)
	}
	m.Logger.Warn("rejected", attrs...)
}

func (m *LogMeter) OnRecorded(e postgate.RecordedEvent) {
	if e.Error != nil {
		m.Logger.Error("record_error",
			"action", e.ActionID,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("recorded",
		"action", e.ActionID,
		"posted_at", e.PostedAt,
		"pruned", e.Pruned,
	)
}

func (m *LogMeter) OnStoreError(e postgate.StoreErrorEvent) {
	m.Logger.Error("store_error",
		"op", e.Op,
		"error", e.Error,
	)
}
