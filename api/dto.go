/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RequestUserID accepts a user id sent either as a JSON string or as a
// JSON integer. Telegram clients hand out numeric ids.
type RequestUserID string

func (id *RequestUserID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = RequestUserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("userId must be a string or an integer")
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("userId %s is not an integer", n)
	}
	*id = RequestUserID(n.String())
	return nil
}

// SignalRequest is the web app's "user opened the app" call.
type SignalRequest struct {
	UserID RequestUserID `json:"userId"`
}

// JoinRequest is a join event relayed from the bot.
type JoinRequest struct {
	UserID        RequestUserID `json:"userId"`
	DisplayName   string        `json:"displayName"`
	AvatarRef     string        `json:"avatarRef,omitempty"`
	ReferralToken string        `json:"referralToken,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// Signal statuses reported to the web app.
const (
	StatusGranted        = "granted"
	StatusAlreadyGranted = "already_granted"
	StatusNotEligible    = "not_eligible"
)

// SignalResponse reports what the signal achieved.
type SignalResponse struct {
	Status     string `json:"status"`
	Outcome    string `json:"outcome"`
	UserID     string `json:"userId"`
	ReferrerID string `json:"referrerId,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
}

// UserDTO represents a user record in API responses.
type UserDTO struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"displayName"`
	AvatarRef          string `json:"avatarRef,omitempty"`
	Balance            int64  `json:"balance"`
	ReferralCount      int64  `json:"referralCount"`
	ReferredBy         string `json:"referredBy,omitempty"`
	ActivationSignaled bool   `json:"activationSignaled"`
	RewardGranted      bool   `json:"rewardGranted"`
	TasksCompleted     int64  `json:"tasksCompleted"`
	TotalWithdrawals   int64  `json:"totalWithdrawals"`
	CreatedAt          string `json:"createdAt,omitempty"`
}

// JoinResponse wraps the stored record after registration.
type JoinResponse struct {
	User     UserDTO `json:"user"`
	Created  bool    `json:"created"`
	Welcomed bool    `json:"welcomed"`
	Link     string  `json:"link,omitempty"`
}

// LedgerEntryDTO represents one paid referral.
type LedgerEntryDTO struct {
	ReferredUserID string `json:"referredUserId"`
	ReferrerUserID string `json:"referrerUserId"`
	Amount         int64  `json:"amount"`
	GrantedAt      string `json:"grantedAt"`
}

// ReferralsResponse lists the rewards paid to one referrer.
type ReferralsResponse struct {
	UserID    string           `json:"userId"`
	Count     int              `json:"count"`
	TotalPaid int64            `json:"totalPaid"`
	Entries   []LedgerEntryDTO `json:"entries"`
}

// LinkResponse is a user's shareable referral link.
type LinkResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
	Link   string `json:"link"`
}

// SweepRunDTO is one sweep audit record.
type SweepRunDTO struct {
	ID             string `json:"id"`
	Trigger        string `json:"trigger"`
	Status         string `json:"status"`
	Scanned        int    `json:"scanned"`
	Granted        int    `json:"granted"`
	AlreadyGranted int    `json:"alreadyGranted"`
	NoReferrer     int    `json:"noReferrer"`
	SelfReferral   int    `json:"selfReferral"`
	NotFound       int    `json:"notFound"`
	Failed         int    `json:"failed"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"startedAt"`
	CompletedAt    string `json:"completedAt,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u *referral.UserRecord) UserDTO {
	dto := UserDTO{
		ID:                 u.ID.String(),
		DisplayName:        u.DisplayName,
		AvatarRef:          u.AvatarRef,
		Balance:            u.Balance,
		ReferralCount:      u.ReferralCount,
		ReferredBy:         u.ReferredBy.String(),
		ActivationSignaled: u.ActivationSignaled,
		RewardGranted:      u.RewardGranted,
		TasksCompleted:     u.TasksCompleted,
		TotalWithdrawals:   u.TotalWithdrawals,
	}
	if !u.CreatedAt.IsZero() {
		dto.CreatedAt = u.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toLedgerEntryDTO(e referral.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ReferredUserID: e.ReferredUserID.String(),
		ReferrerUserID: e.ReferrerUserID.String(),
		Amount:         e.Amount,
		GrantedAt:      e.GrantedAt.Format(time.RFC3339),
	}
}

func toSweepRunDTO(run referral.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:             run.ID,
		Trigger:        string(run.Trigger),
		Status:         string(run.Status),
		Scanned:        run.Scanned,
		Granted:        run.Granted,
		AlreadyGranted: run.AlreadyGranted,
		NoReferrer:     run.NoReferrer,
		SelfReferral:   run.SelfReferral,
		NotFound:       run.NotFound,
		Failed:         run.Failed,
		Error:          run.Error,
		StartedAt:      run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func signalStatus(o referral.Outcome) string {
	switch {
	case o == referral.OutcomeGranted:
		return StatusGranted
	case o.Eligible():
		return StatusAlreadyGranted
	default:
		return StatusNotEligible
	}
}
