package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lachlan2k/busline/internal/accesscontrol"
	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/credstore"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/model"
	"github.com/lachlan2k/busline/internal/profile"
)

type fixture struct {
	store    *credstore.Store
	provider *fakeProvider
	client   *fakeClient
	metrics  *metrics.Metrics
	machine  *Machine
}

func driver(license string) *model.UserProfile {
	return &model.UserProfile{
		ID:             "u-1",
		Name:           "Ana",
		Email:          "ana@depot.example.com",
		Role:           model.RoleDriver,
		OrganizationID: "org-7",
		LicenseNumber:  license,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    credstore.NewMemoryStore(),
		provider: &fakeProvider{},
		client:   &fakeClient{token: "session-token", user: driver("")},
		metrics:  metrics.New(),
	}
	f.machine = New(f.store, f.provider, f.client, accesscontrol.NewRolePolicy(model.RoleDriver), f.metrics, nil)
	return f
}

func (f *fixture) storedToken(t *testing.T) (string, bool) {
	t.Helper()
	token, err := f.store.Token(context.Background())
	if errors.Is(err, credstore.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return token, true
}

func completeFields() profile.Fields {
	return profile.Fields{
		LicenseNumber:     "12-34",
		LicenseType:       "D",
		LicenseExpiryDate: "2030-01-31",
		PhoneNumber:       "021 555 0100",
	}
}

func TestStartWithoutToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.machine.Start(context.Background()))

	snap := f.machine.Snapshot()
	assert.Equal(t, Unauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
	assert.Zero(t, f.client.fetchCount(), "no network call without a token")
}

func TestStartCompleteProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	// Backend doesn't echo driver details; the cached copy has them
	require.NoError(t, f.store.SetProfile(ctx, driver("12-34")))

	require.NoError(t, f.machine.Start(ctx))

	snap := f.machine.Snapshot()
	assert.Equal(t, AuthenticatedComplete, snap.State)
	assert.Equal(t, "12-34", snap.Profile.LicenseNumber)
	assert.Equal(t, 1, f.client.fetchCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionTransitions.WithLabelValues("Authenticating", "AuthenticatedComplete")))
}

func TestStartCachesCompleteProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	f.client.user = driver("99-00")

	require.NoError(t, f.machine.Start(ctx))
	assert.Equal(t, AuthenticatedComplete, f.machine.Snapshot().State)

	cached, err := f.store.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "99-00", cached.LicenseNumber)
}

func TestStartIgnoresOtherUsersCachedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))

	other := driver("12-34")
	other.ID = "u-2"
	other.Email = "someone@else.example.com"
	require.NoError(t, f.store.SetProfile(ctx, other))

	require.NoError(t, f.machine.Start(ctx))
	assert.Equal(t, AuthenticatedIncompleteProfile, f.machine.Snapshot().State)
}

func TestStartWrongRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	require.NoError(t, f.store.SetProfile(ctx, driver("12-34")))

	passenger := driver("")
	passenger.Role = "PASSENGER"
	f.client.user = passenger

	err := f.machine.Start(ctx)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))

	snap := f.machine.Snapshot()
	assert.Equal(t, Unauthorized, snap.State)
	assert.Nil(t, snap.Profile)
	assert.True(t, autherr.Is(snap.Err, autherr.KindUnauthorized))

	_, ok := f.storedToken(t)
	assert.False(t, ok, "token must be cleared")
	_, err = f.store.Profile(ctx)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.Equal(t, 1, f.provider.signOuts)

	require.NoError(t, f.machine.Acknowledge(ctx))
	assert.Equal(t, Unauthenticated, f.machine.Snapshot().State)
}

func TestStartUnauthorizedResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	f.client.fetchErr = autherr.New(autherr.KindUnauthorized, "fetch user", "backend returned 401")

	err := f.machine.Start(ctx)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized))
	assert.Equal(t, Unauthorized, f.machine.Snapshot().State)

	_, ok := f.storedToken(t)
	assert.False(t, ok)
}

func TestStartTimeoutKeepsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	f.client.fetchErr = autherr.New(autherr.KindTimeout, "fetch user", "deadline exceeded")

	err := f.machine.Start(ctx)
	assert.True(t, autherr.Is(err, autherr.KindTimeout))

	snap := f.machine.Snapshot()
	assert.Equal(t, Unauthenticated, snap.State)
	assert.True(t, autherr.Is(snap.Err, autherr.KindTimeout))
	assert.Equal(t, autherr.SeverityRetry, autherr.Present(snap.Err).Severity)

	token, ok := f.storedToken(t)
	assert.True(t, ok)
	assert.Equal(t, "session-token", token)

	// Retry once the network is back
	f.client.fetchErr = nil
	f.client.user = driver("12-34")
	require.NoError(t, f.machine.Start(ctx))
	assert.Equal(t, AuthenticatedComplete, f.machine.Snapshot().State)
}

func TestLoginIncompleteProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Login(ctx))

	snap := f.machine.Snapshot()
	assert.Equal(t, AuthenticatedIncompleteProfile, snap.State)
	assert.Equal(t, "u-1", snap.Profile.ID)

	token, ok := f.storedToken(t)
	assert.True(t, ok)
	assert.Equal(t, "session-token", token)
	assert.Equal(t, 1, f.provider.signIns)
}

func TestLoginThenSaveProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.Login(ctx))

	err := f.machine.SaveProfile(ctx, profile.Fields{LicenseNumber: "12-34"})
	assert.True(t, autherr.Is(err, autherr.KindValidation))
	var fieldErrs profile.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Len(t, fieldErrs, 3)
	assert.Equal(t, AuthenticatedIncompleteProfile, f.machine.Snapshot().State)

	require.NoError(t, f.machine.SaveProfile(ctx, completeFields()))

	snap := f.machine.Snapshot()
	assert.Equal(t, AuthenticatedComplete, snap.State)
	assert.Equal(t, "12-34", snap.Profile.LicenseNumber)
	assert.Equal(t, "u-1", snap.Profile.ID)

	stored, err := f.store.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Profile, stored)
}

func TestLoginFailuresKeepState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		kind  autherr.Kind
	}{
		{
			name:  "provider unavailable",
			setup: func(f *fixture) { f.provider.readyErr = autherr.New(autherr.KindProviderUnavailable, "oidc discovery", "down") },
			kind:  autherr.KindProviderUnavailable,
		},
		{
			name:  "cancelled",
			setup: func(f *fixture) { f.provider.signInErr = autherr.New(autherr.KindUserCancelled, "sign in", "declined") },
			kind:  autherr.KindUserCancelled,
		},
		{
			name:  "exchange failed",
			setup: func(f *fixture) { f.client.exchangeErr = autherr.New(autherr.KindExchangeFailed, "exchange", "400") },
			kind:  autherr.KindExchangeFailed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			test.setup(f)

			err := f.machine.Login(context.Background())
			assert.True(t, autherr.Is(err, test.kind), err.Error())

			snap := f.machine.Snapshot()
			assert.Equal(t, Unauthenticated, snap.State)
			assert.True(t, autherr.Is(snap.Err, test.kind))

			_, ok := f.storedToken(t)
			assert.False(t, ok)
			assert.Zero(t, f.client.fetchCount())
		})
	}
}

func TestLoginTokenWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.machine = New(brokenStore{f.store}, f.provider, f.client, accesscontrol.NewRolePolicy(model.RoleDriver), nil, nil)

	err := f.machine.Login(context.Background())
	assert.True(t, autherr.Is(err, autherr.KindStorage))
	assert.Equal(t, Unauthenticated, f.machine.Snapshot().State)
	assert.Zero(t, f.client.fetchCount(), "nothing was persisted, so nothing to check")
}

func TestSignUpDiscardsCachedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetProfile(ctx, driver("12-34")))

	require.NoError(t, f.machine.SignUp(ctx))
	assert.Equal(t, AuthenticatedIncompleteProfile, f.machine.Snapshot().State)
}

func TestLoginReusesCachedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetProfile(ctx, driver("12-34")))

	require.NoError(t, f.machine.Login(ctx))
	assert.Equal(t, AuthenticatedComplete, f.machine.Snapshot().State)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.user = driver("12-34")
	require.NoError(t, f.machine.Login(ctx))
	require.Equal(t, AuthenticatedComplete, f.machine.Snapshot().State)

	require.NoError(t, f.machine.Logout(ctx))

	snap := f.machine.Snapshot()
	assert.Equal(t, Unauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
	_, ok := f.storedToken(t)
	assert.False(t, ok)
	_, err := f.store.Profile(ctx)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.Equal(t, 1, f.provider.signOuts)
}

func TestLogoutClearFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.Login(ctx))

	f.machine.store = brokenStore{f.store}
	err := f.machine.Logout(ctx)
	assert.True(t, autherr.Is(err, autherr.KindStorage))
	assert.Equal(t, AuthenticatedIncompleteProfile, f.machine.Snapshot().State)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.machine.SaveProfile(ctx, completeFields()), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.Acknowledge(ctx), ErrInvalidTransition)

	require.NoError(t, f.machine.Login(ctx))
	assert.ErrorIs(t, f.machine.Login(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.SignUp(ctx), ErrInvalidTransition)
	assert.Equal(t, 1, f.provider.signIns)
}

func TestConcurrentActionsRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.block = make(chan struct{})
	f.provider.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.machine.Login(context.Background())
	}()

	<-f.provider.started
	assert.True(t, f.machine.Snapshot().Busy)

	ctx := context.Background()
	assert.True(t, autherr.Is(f.machine.Login(ctx), autherr.KindAlreadyInProgress))
	assert.True(t, autherr.Is(f.machine.Logout(ctx), autherr.KindAlreadyInProgress))
	assert.True(t, autherr.Is(f.machine.Start(ctx), autherr.KindAlreadyInProgress))

	close(f.provider.block)
	require.NoError(t, <-done)

	snap := f.machine.Snapshot()
	assert.False(t, snap.Busy)
	assert.Equal(t, AuthenticatedIncompleteProfile, snap.State)
	assert.Equal(t, 1, f.provider.signIns)
}

func TestCancelAfterTokenWriteLeavesConsistentState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.client.onFetch = func(fetchCtx context.Context) error {
		cancel()
		return autherr.Wrap(autherr.KindUserCancelled, "fetch user", fetchCtx.Err())
	}

	err := f.machine.Login(ctx)
	assert.True(t, autherr.Is(err, autherr.KindUserCancelled))
	assert.Equal(t, Unauthenticated, f.machine.Snapshot().State)

	// The token was written in full; the next start picks the session up
	_, ok := f.storedToken(t)
	assert.True(t, ok)

	f.client.onFetch = nil
	require.NoError(t, f.machine.Start(context.Background()))
	assert.Equal(t, AuthenticatedIncompleteProfile, f.machine.Snapshot().State)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetToken(ctx, "session-token"))
	f.client.user = driver("12-34")

	updates, cancel := f.machine.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Equal(t, Unauthenticated, initial.State)

	require.NoError(t, f.machine.Start(ctx))

	// Only the latest snapshot is buffered
	select {
	case snap := <-updates:
		assert.Equal(t, AuthenticatedComplete, snap.State)
		assert.False(t, snap.Busy)
		assert.Equal(t, "12-34", snap.Profile.LicenseNumber)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel()
}

func TestSnapshotProfileIsACopy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Login(context.Background()))

	snap := f.machine.Snapshot()
	snap.Profile.LicenseNumber = "tampered"

	assert.Empty(t, f.machine.Snapshot().Profile.LicenseNumber)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AuthenticatedIncompleteProfile", AuthenticatedIncompleteProfile.String())
	assert.Equal(t, "Invalid", State(42).String())
	assert.True(t, AuthenticatedComplete.Authenticated())
	assert.False(t, Unauthorized.Authenticated())
}
