package monitoring

import (
	"go.uber.org/zap"

	"esb-runtime/internal/alert"
	"esb-runtime/internal/event"
	"esb-runtime/internal/notification"
	"esb-runtime/pkg/logger"
)

// Logging writes notifications at debug level, failures at warn level and
// alerts at error level.
type Logging struct {
	log *zap.SugaredLogger
}

func NewLogging() *Logging {
	return &Logging{log: logger.Get().With("component", "monitoring")}
}

func (l *Logging) OnNotification(n notification.Notification) {
	fields := []interface{}{
		"action", n.Action.String(),
		"processor", n.Processor,
		"location", n.Location,
		"event_id", eventID(n.Event),
	}
	if n.Context != nil {
		fields = append(fields, "context_id", n.Context.ID(), "flow", n.Context.FlowName())
	}
	if n.Err != nil {
		l.log.Warnw("processor failed", append(fields,
			"kind", event.KindOf(n.Err).String(),
			"error", n.Err,
		)...)
		return
	}
	l.log.Debugw("processor notification", fields...)
}

func (l *Logging) OnAlert(a alert.Alert) {
	l.log.Errorw("stream anomaly", "alert", a.Name, "details", a.Details)
}
