package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier is the default notification sink: it records the message
// instead of delivering it. Real dispatch (push, email) lives in the
// notification service; this keeps the ledger decoupled from it.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID, message string) error {
	n.logger.Info("notification",
		zap.String("user_id", userID),
		zap.String("message", message),
	)

	return nil
}
