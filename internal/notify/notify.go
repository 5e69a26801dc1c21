// Package notify delivers member notifications. Sinks log their own
// failures; callers may ignore the returned error.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"payline/internal/config"
)

type Sink interface {
	Notify(ctx context.Context, memberID, message string) error
}

// LogSink writes notifications to the service log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Notify(_ context.Context, memberID, message string) error {
	if s.Log == nil {
		return nil
	}
	s.Log.WithField("member_id", memberID).Info(message)
	return nil
}

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, memberID, message string) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, memberID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig assembles the sinks enabled in cfg. It returns nil when none
// are enabled.
func FromConfig(cfg *config.Config, log logrus.FieldLogger) Sink {
	if cfg == nil {
		return nil
	}
	var sinks Fanout
	if cfg.Notify.Log {
		sinks = append(sinks, LogSink{Log: log})
	}
	if tg := cfg.Notify.Telegram; tg.Enabled && tg.BotToken != "" {
		sinks = append(sinks, NewTelegram(tg, log))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return sinks
}
