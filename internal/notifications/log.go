package notifications

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes each request to the log. It is the default when no
// broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier logs through logger; nil selects a no-op logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (n *LogNotifier) Send(_ context.Context, req Request) error {
	emails := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		emails = append(emails, r.Email+" ("+r.Template+")")
	}
	n.logger.Info("notification requested",
		zap.String("request_id", req.ID),
		zap.String("event", string(req.Event)),
		zap.String("ticket", req.Context.TrackingID),
		zap.Strings("recipients", emails),
	)
	return nil
}
