package event

import "go.uber.org/zap"

// ZapHandler bridges the event stream into a zap logger.
//
// Failures log at error level, retries at warn, everything else at info.
// Fields are typed so downstream log pipelines can index them.
type ZapHandler struct {
	log *zap.Logger
}

// NewZapHandler creates a ZapHandler. A nil logger is replaced with
// zap.NewNop so the handler is always safe to call.
func NewZapHandler(log *zap.Logger) *ZapHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapHandler{log: log}
}

// Handle logs the event with structured fields.
func (z *ZapHandler) Handle(e Event) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.Int64("seq", e.Seq),
		zap.String("kind", string(e.Kind)),
	}
	if e.Node != "" {
		fields = append(fields, zap.String("node", e.Node))
	}
	if len(e.Payload) > 0 {
		fields = append(fields, zap.Any("payload", e.Payload))
	}

	switch e.Kind {
	case KindFailure:
		z.log.Error("run event", fields...)
	case KindRetry:
		z.log.Warn("run event", fields...)
	default:
		z.log.Info("run event", fields...)
	}
}
