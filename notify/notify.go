/*
notify.go - Notifier implementations for referral messages

PURPOSE:
  The engine announces rewards through referral.Notifier. This package
  provides the production Telegram implementation and two local ones:

  Telegram: Bot API sendMessage / sendPhoto over HTTPS
  Logger:   writes each message to a slog.Logger (dev, dry runs)
  Nop:      drops everything

SEE ALSO:
  - referral/grant.go: async, best-effort delivery
  - api/handlers.go: welcome message on join
*/
package notify

import (
	"context"
	"log/slog"

	"github.com/warp/referral-engine/referral"
)

// PhotoSender is implemented by notifiers that can attach an image.
type PhotoSender interface {
	SendPhoto(ctx context.Context, to referral.UserID, photoURL, caption string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, referral.UserID, string) error { return nil }

// Logger writes messages to a structured logger instead of delivering them.
type Logger struct {
	Log *slog.Logger
}

func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{Log: log.With(slog.String("component", "notify"))}
}

func (l *Logger) Send(_ context.Context, to referral.UserID, text string) error {
	l.Log.Info("message", slog.String("to", to.String()), slog.String("text", text))
	return nil
}

func (l *Logger) SendPhoto(_ context.Context, to referral.UserID, photoURL, caption string) error {
	l.Log.Info("photo",
		slog.String("to", to.String()),
		slog.String("photo", photoURL),
		slog.String("caption", caption))
	return nil
}
