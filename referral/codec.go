package referral

import (
	"strings"
	"unicode"
)

const (
	// TokenPrefix marks a referral payload: "ref<id>".
	TokenPrefix = "ref"

	startCommand  = "/start"
	maxTokenRunes = 64
)

// ParseReferralToken extracts a candidate referrer from a join payload.
//
// Accepted forms: "/start ref123", "ref123", "ref_123", "REF-123", "123".
// Anything that does not clean down to a non-empty run of at most 64
// digits yields ("", false). Never fails; the result is untrusted until checked against
// the joining user's own id.
func ParseReferralToken(payload string) (UserID, bool) {
	s := strings.TrimSpace(payload)
	if rest, ok := cutPrefixFold(s, startCommand); ok {
		s = strings.TrimSpace(rest)
	}
	if rest, ok := cutPrefixFold(s, TokenPrefix); ok {
		s = rest
	}

	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			// The token ends at the first space after it starts.
			if b.Len() > 0 {
				break
			}
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() > maxTokenRunes {
				return "", false
			}
		}
	}

	if b.Len() == 0 {
		return "", false
	}
	return UserID(b.String()), true
}

// FormatReferralToken is the inverse of ParseReferralToken.
func FormatReferralToken(id UserID) string {
	return TokenPrefix + string(id)
}

// ReferralLink builds the deep link a user shares: t.me/<bot>?start=ref<id>.
func ReferralLink(botName string, id UserID) string {
	return "https://t.me/" + strings.TrimPrefix(botName, "@") + "?start=" + FormatReferralToken(id)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
