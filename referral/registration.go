package referral

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/referral-engine/metrics"
)

// Registration is an inbound join event.
type Registration struct {
	UserID      UserID
	DisplayName string
	AvatarRef   string

	// ReferralToken is the raw join payload ("ref123"). Parsed with
	// ParseReferralToken unless CandidateReferrer is already set.
	ReferralToken     string
	CandidateReferrer UserID
}

// Registrar creates or merges user records on first contact.
type Registrar struct {
	Store  Store
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

func NewRegistrar(store Store, cfg Config, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		Store:  store,
		Config: cfg,
		Logger: logger.With(slog.String("component", "registrar")),
		Now:    time.Now,
	}
}

// RegisterOrTouch creates the user record, or merges name/avatar into an
// existing one. ReferredBy is set only if currently unset; balance,
// counters and flags are never touched. Idempotent.
//
// Returns the stored record and whether it was created by this call.
func (r *Registrar) RegisterOrTouch(ctx context.Context, reg Registration) (*UserRecord, bool, error) {
	u, created, err := r.register(ctx, reg)
	switch {
	case err != nil:
		metrics.Registrations.WithLabelValues("failed").Inc()
	case created:
		metrics.Registrations.WithLabelValues("created").Inc()
	default:
		metrics.Registrations.WithLabelValues("merged").Inc()
	}
	return u, created, err
}

func (r *Registrar) register(ctx context.Context, reg Registration) (*UserRecord, bool, error) {
	if reg.UserID.IsZero() {
		return nil, false, ErrInvalidInput
	}

	ctx, cancel := context.WithTimeout(ctx, r.Config.StoreTimeout)
	defer cancel()

	candidate := reg.CandidateReferrer
	if candidate.IsZero() && reg.ReferralToken != "" {
		candidate, _ = ParseReferralToken(reg.ReferralToken)
	}
	if candidate == reg.UserID {
		r.Logger.Info("self-referral blocked", slog.String("user_id", reg.UserID.String()))
		candidate = ""
	}

	name := reg.DisplayName
	if name == "" {
		name = r.Config.DefaultDisplayName
	}
	avatar := reg.AvatarRef
	if avatar == "" {
		avatar = r.Config.AvatarFor(reg.UserID)
	}

	now := r.Now().UTC()
	err := r.Store.CreateUser(ctx, UserRecord{
		ID:          reg.UserID,
		DisplayName: name,
		AvatarRef:   avatar,
		ReferredBy:  candidate,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	switch {
	case err == nil:
		r.Logger.Info("user registered",
			slog.String("user_id", reg.UserID.String()),
			slog.String("referred_by", candidate.String()))
		return r.get(ctx, reg.UserID, true)
	case !errors.Is(err, ErrUserExists):
		return nil, false, classify("create user", err)
	}

	// Existing user: merge profile, set referrer only if unset.
	if !candidate.IsZero() {
		err = r.Store.UpdateUser(ctx, reg.UserID,
			UserCondition{ReferredByUnset: true},
			UserUpdate{DisplayName: &name, AvatarRef: &avatar, ReferredBy: &candidate},
		)
		if err == nil {
			r.Logger.Info("referrer attached to existing user",
				slog.String("user_id", reg.UserID.String()),
				slog.String("referred_by", candidate.String()))
			return r.get(ctx, reg.UserID, false)
		}
		if !errors.Is(err, ErrConditionFailed) {
			return nil, false, classify("update user", err)
		}
		r.Logger.Debug("referrer already set, keeping it", slog.String("user_id", reg.UserID.String()))
	}

	err = r.Store.UpdateUser(ctx, reg.UserID, UserCondition{},
		UserUpdate{DisplayName: &name, AvatarRef: &avatar})
	if err != nil {
		return nil, false, classify("update user", err)
	}
	return r.get(ctx, reg.UserID, false)
}

func (r *Registrar) get(ctx context.Context, id UserID, created bool) (*UserRecord, bool, error) {
	u, err := r.Store.GetUser(ctx, id)
	if err != nil {
		return nil, created, classify("get user", err)
	}
	return u, created, nil
}
