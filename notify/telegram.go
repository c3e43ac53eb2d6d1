package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/warp/referral-engine/referral"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// ErrNoToken is returned when a Telegram notifier has no bot token.
var ErrNoToken = errors.New("telegram: bot token not configured")

// APIError is a non-ok response from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %ds)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Telegram delivers messages through the Bot API. User ids are used as
// chat ids, which is how private chats with the bot are addressed.
// It only sends; updates are never polled.
type Telegram struct {
	token string
	bot   *bot.Bot
}

func NewTelegram(token, apiURL string) (*Telegram, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	b, err := bot.New(token,
		bot.WithSkipGetMe(),
		bot.WithServerURL(strings.TrimRight(apiURL, "/")),
		bot.WithHTTPClient(time.Minute, &http.Client{Timeout: 15 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", redact(token, err))
	}
	return &Telegram{token: token, bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, to referral.UserID, text string) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID(to),
		Text:   text,
	})
	return t.apiError("sendMessage", err)
}

func (t *Telegram) SendPhoto(ctx context.Context, to referral.UserID, photoURL, caption string) error {
	_, err := t.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  chatID(to),
		Photo:   &models.InputFileString{Data: photoURL},
		Caption: caption,
	})
	return t.apiError("sendPhoto", err)
}

// chatID sends numeric ids as integers and anything else (e.g. "@channel")
// as-is.
func chatID(to referral.UserID) any {
	if n, err := strconv.ParseInt(to.String(), 10, 64); err == nil {
		return n
	}
	return to.String()
}

func (t *Telegram) apiError(method string, err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &APIError{Method: method, Code: http.StatusTooManyRequests, Description: tooMany.Message, RetryAfter: tooMany.RetryAfter}
	}

	for _, c := range []struct {
		sentinel error
		code     int
	}{
		{bot.ErrorBadRequest, http.StatusBadRequest},
		{bot.ErrorUnauthorized, http.StatusUnauthorized},
		{bot.ErrorForbidden, http.StatusForbidden},
		{bot.ErrorNotFound, http.StatusNotFound},
		{bot.ErrorConflict, http.StatusConflict},
	} {
		if errors.Is(err, c.sentinel) {
			return &APIError{Method: method, Code: c.code, Description: redact(t.token, err).Error()}
		}
	}

	// Transport errors carry the request URL, and the URL carries the token.
	return fmt.Errorf("telegram %s: %w", method, redact(t.token, err))
}

// redactedError hides the bot token in a message while keeping the chain
// intact for errors.Is and errors.As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(token string, err error) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
