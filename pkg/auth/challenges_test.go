package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

func TestStepUpChallengeLifecycle(t *testing.T) {
	_, client := newAuthRedis(t)
	store := NewStepUpStore(client, 5*time.Minute, nil)
	ctx := context.Background()

	challenge, err := store.Create(ctx, "u1", StepUpMethodPassword, "/settings/delete-account")
	require.NoError(t, err)
	require.NotEmpty(t, challenge.ID)
	assert.Equal(t, "u1", challenge.UserID)
	assert.Equal(t, StepUpMethodPassword, challenge.RequiredMethod)
	assert.Equal(t, "/settings/delete-account", challenge.ReturnTo)
	assert.False(t, challenge.Completed)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), challenge.ExpiresAt, 5*time.Second)

	fetched, err := store.Get(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.ID, fetched.ID)
	assert.False(t, fetched.Completed)

	completed, err := store.Complete(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, completed.Completed)
	require.NotNil(t, completed.CompletedAt)

	// completion is recorded
	fetched, err = store.Get(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Completed)

	// completing twice is rejected
	_, err = store.Complete(ctx, challenge.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestStepUpChallengeUnknownMethod(t *testing.T) {
	_, client := newAuthRedis(t)
	store := NewStepUpStore(client, 5*time.Minute, nil)

	_, err := store.Create(context.Background(), "u1", "carrier_pigeon", "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestStepUpChallengeExpires(t *testing.T) {
	mr, client := newAuthRedis(t)
	store := NewStepUpStore(client, time.Minute, nil)
	ctx := context.Background()

	challenge, err := store.Create(ctx, "u1", StepUpMethodWebAuthn, "")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, challenge.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = store.Complete(ctx, challenge.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestStepUpChallengeTTLClamped(t *testing.T) {
	_, client := newAuthRedis(t)
	// anything above the five-minute ceiling is clamped down
	store := NewStepUpStore(client, time.Hour, nil)

	challenge, err := store.Create(context.Background(), "u1", StepUpMethodFreshSession, "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), challenge.ExpiresAt, 5*time.Second)
}

func TestStepUpCompleteKeepsRemainingTTL(t *testing.T) {
	mr, client := newAuthRedis(t)
	store := NewStepUpStore(client, time.Minute, nil)
	ctx := context.Background()

	challenge, err := store.Create(ctx, "u1", StepUpMethodPassword, "")
	require.NoError(t, err)

	mr.FastForward(30 * time.Second)
	_, err = store.Complete(ctx, challenge.ID)
	require.NoError(t, err)

	// completion must not extend the original window
	mr.FastForward(45 * time.Second)
	_, err = store.Get(ctx, challenge.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}
