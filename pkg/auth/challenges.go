package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

const challengePrefix = "auth:stepup:"

// Step-up verification methods
const (
	StepUpMethodPassword     = "password"
	StepUpMethodWebAuthn     = "webauthn"
	StepUpMethodFreshSession = "fresh_session"
)

// StepUpChallenge gates a sensitive operation behind re-verification.
// Challenges are transient Redis state with a TTL of at most five
// minutes; an unanswered challenge simply evaporates.
type StepUpChallenge struct {
	ID             string     `json:"challenge_id"`
	UserID         string     `json:"user_id"`
	RequiredMethod string     `json:"required_method"`
	ReturnTo       string     `json:"return_to,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Completed      bool       `json:"completed"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StepUpStore keeps step-up challenges in Redis.
type StepUpStore struct {
	redis  *redis.Client
	ttl    time.Duration
	logger observability.Logger
}

// NewStepUpStore wires a challenge store. TTLs above five minutes are
// clamped.
func NewStepUpStore(client *redis.Client, ttl time.Duration, logger observability.Logger) *StepUpStore {
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &StepUpStore{redis: client, ttl: ttl, logger: logger}
}

func validStepUpMethod(method string) bool {
	switch method {
	case StepUpMethodPassword, StepUpMethodWebAuthn, StepUpMethodFreshSession:
		return true
	}
	return false
}

// Create issues a challenge for the user and stores it under the
// configured TTL.
func (s *StepUpStore) Create(ctx context.Context, uid, method, returnTo string) (*StepUpChallenge, error) {
	if !validStepUpMethod(method) {
		return nil, apperrors.Validation("unknown step-up method").WithField("method", method)
	}
	now := time.Now()
	challenge := &StepUpChallenge{
		ID:             uuid.NewString(),
		UserID:         uid,
		RequiredMethod: method,
		ReturnTo:       returnTo,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.redis.Set(ctx, challengePrefix+challenge.ID, challenge, s.ttl); err != nil {
		return nil, err
	}
	return challenge, nil
}

// Get fetches a challenge; expired or unknown ids return not-found.
func (s *StepUpStore) Get(ctx context.Context, cid string) (*StepUpChallenge, error) {
	var challenge StepUpChallenge
	err := s.redis.Get(ctx, challengePrefix+cid, &challenge)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return nil, apperrors.NotFound("step-up challenge not found or expired")
		}
		return nil, err
	}
	return &challenge, nil
}

// Complete marks a challenge satisfied, preserving its remaining TTL so
// completion cannot extend the five-minute window. Completing twice is
// rejected.
func (s *StepUpStore) Complete(ctx context.Context, cid string) (*StepUpChallenge, error) {
	challenge, err := s.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if challenge.Completed {
		return nil, apperrors.Conflict("step-up challenge already completed")
	}

	now := time.Now()
	challenge.Completed = true
	challenge.CompletedAt = &now

	remaining, err := s.redis.TTL(ctx, challengePrefix+cid)
	if err != nil || remaining <= 0 {
		remaining = time.Until(challenge.ExpiresAt)
	}
	if remaining <= 0 {
		return nil, apperrors.NotFound("step-up challenge not found or expired")
	}
	if err := s.redis.Set(ctx, challengePrefix+cid, challenge, remaining); err != nil {
		return nil, err
	}
	return challenge, nil
}
