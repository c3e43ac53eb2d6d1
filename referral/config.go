package referral

import (
	"fmt"
	"strings"
	"time"
)

// Config is the immutable engine configuration, passed at construction.
// Changing RewardAmount never affects entries already in the ledger.
type Config struct {
	RewardAmount int64
	CurrencyName string

	// StoreTimeout bounds every store call made by one operation.
	StoreTimeout time.Duration
	// NotifyTimeout bounds one notification attempt.
	NotifyTimeout time.Duration

	// SweepBatchSize is the page size of ListActivated during a sweep.
	SweepBatchSize int

	// DefaultDisplayName is used when a join event carries no name.
	DefaultDisplayName string
	// AvatarTemplate builds a fallback avatar ref; "{id}" is replaced.
	AvatarTemplate string

	// RewardMessage is sent to the referrer; see FormatRewardMessage.
	RewardMessage string
}

// DefaultConfig returns the values the bot has always run with.
func DefaultConfig() Config {
	return Config{
		RewardAmount:       500,
		CurrencyName:       "coins",
		StoreTimeout:       5 * time.Second,
		NotifyTimeout:      10 * time.Second,
		SweepBatchSize:     100,
		DefaultDisplayName: "User",
		AvatarTemplate:     "https://t.me/i/userpic/{id}",
		RewardMessage:      "🎉 {name} joined with your link! You earned {amount} {currency}.",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RewardAmount <= 0 {
		return fmt.Errorf("reward amount must be positive, got %d", c.RewardAmount)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %v", c.StoreTimeout)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("notify timeout must be positive, got %v", c.NotifyTimeout)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive, got %d", c.SweepBatchSize)
	}
	return nil
}

// AvatarFor returns the fallback avatar ref for id.
func (c Config) AvatarFor(id UserID) string {
	if c.AvatarTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(c.AvatarTemplate, "{id}", string(id))
}

// FormatRewardMessage renders RewardMessage for a grant.
func (c Config) FormatRewardMessage(referredName string, amount int64) string {
	if referredName == "" {
		referredName = "A friend"
	}
	return strings.NewReplacer(
		"{name}", referredName,
		"{amount}", fmt.Sprint(amount),
		"{currency}", c.CurrencyName,
	).Replace(c.RewardMessage)
}
