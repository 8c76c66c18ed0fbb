package alert

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// LogNotifier writes alert messages to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

func (n *LogNotifier) Notify(_ context.Context, msg string) error {
	n.logger.Warn("important", zap.String("message", strings.ReplaceAll(msg, "\n", " | ")))
	return nil
}

type multiNotifier []Notifier

// Fanout delivers every message to each non-nil notifier and joins their errors.
func Fanout(notifiers ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multiNotifier) Notify(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
