// Package session owns the one authoritative session state. Every change
// goes through Machine, one action at a time; the presentation layer reads
// snapshots and never touches credentials directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lachlan2k/busline/internal/accesscontrol"
	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/backend"
	"github.com/lachlan2k/busline/internal/credstore"
	"github.com/lachlan2k/busline/internal/identity"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/model"
	"github.com/lachlan2k/busline/internal/profile"
)

var ErrInvalidTransition = errors.New("action not allowed in the current session state")

type CredentialStore interface {
	Token(ctx context.Context) (model.SessionToken, error)
	SetToken(ctx context.Context, token model.SessionToken) error
	Profile(ctx context.Context) (*model.UserProfile, error)
	SetProfile(ctx context.Context, profile *model.UserProfile) error
	ClearProfile(ctx context.Context) error
	Clear(ctx context.Context) error
}

type Machine struct {
	store    CredentialStore
	provider identity.Provider
	client   backend.Client
	policy   accesscontrol.RolePolicy
	gate     *profile.Gate
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// One action at a time. A second one is rejected, not queued.
	guard *semaphore.Weighted

	mu      sync.Mutex
	state   State
	profile *model.UserProfile
	lastErr error
	busy    bool
	subs    map[chan Snapshot]struct{}
}

func New(store CredentialStore, provider identity.Provider, client backend.Client, policy accesscontrol.RolePolicy, m *metrics.Metrics, logger *slog.Logger) *Machine {
	return &Machine{
		store:    store,
		provider: provider,
		client:   client,
		policy:   policy,
		gate:     profile.NewGate(store),
		metrics:  m,
		logger:   logging.Discard(logger).With("component", "session"),
		guard:    semaphore.NewWeighted(1),
		state:    Unauthenticated,
		subs:     map[chan Snapshot]struct{}{},
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:   m.state,
		Profile: m.profile.Clone(),
		Err:     m.lastErr,
		Busy:    m.busy,
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe delivers the current snapshot straight away and then every
// change. A slow reader only ever sees the latest snapshot; older ones are
// dropped. Call cancel to stop.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// publishLocked must be called with mu held.
func (m *Machine) publishLocked() {
	snap := m.snapshotLocked()
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// set moves to a new state, replacing the profile and the last error.
func (m *Machine) set(to State, p *model.UserProfile, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = to
	m.profile = p.Clone()
	m.lastErr = err

	if from != to {
		m.metrics.ObserveTransition(from.String(), to.String())
		m.logger.Info("session state changed", "from", from.String(), "to", to.String())
	}
	m.publishLocked()
}

func (m *Machine) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	m.publishLocked()
	return err
}

func (m *Machine) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
	if busy {
		m.lastErr = nil
	}
	m.publishLocked()
}

// begin claims the single action slot.
func (m *Machine) begin(op string) (func(), error) {
	if !m.guard.TryAcquire(1) {
		return nil, autherr.New(autherr.KindAlreadyInProgress, op, "another session action is still running")
	}
	m.setBusy(true)
	return func() {
		m.setBusy(false)
		m.guard.Release(1)
	}, nil
}

func (m *Machine) requireState(op string, allowed ...State) error {
	current := m.currentState()
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %w (state is %s)", op, ErrInvalidTransition, current)
}

// Start resolves the session from whatever credentials are cached. With no
// token it stays Unauthenticated and makes no network call.
func (m *Machine) Start(ctx context.Context) error {
	const op = "start"
	end, err := m.begin(op)
	if err != nil {
		return err
	}
	defer end()

	token, err := m.store.Token(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		m.set(Unauthenticated, nil, nil)
		return nil
	}
	if err != nil {
		// Unreadable storage counts as no session
		m.logger.Warn("couldn't read cached token, treating as signed out", "error", err)
		m.set(Unauthenticated, nil, nil)
		return nil
	}

	m.set(Authenticating, nil, nil)
	return m.resolve(ctx, token)
}

func (m *Machine) Login(ctx context.Context) error {
	return m.signIn(ctx, "login", false)
}

// SignUp is Login for a new account: any cached profile from a previous
// user is discarded before the new token is stored.
func (m *Machine) SignUp(ctx context.Context) error {
	return m.signIn(ctx, "sign up", true)
}

func (m *Machine) signIn(ctx context.Context, op string, fresh bool) error {
	end, err := m.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if err := m.requireState(op, Unauthenticated); err != nil {
		return m.fail(err)
	}

	if err := m.provider.EnsureReady(ctx); err != nil {
		return m.fail(err)
	}

	assertion, err := m.provider.SignIn(ctx)
	if err != nil {
		m.logger.Info("sign-in did not complete", "kind", autherr.KindOf(err), "error", err)
		return m.fail(err)
	}

	token, err := m.client.Exchange(ctx, assertion)
	if err != nil {
		m.logger.Warn("token exchange failed", "kind", autherr.KindOf(err), "error", err)
		return m.fail(err)
	}

	// From here on writes run to completion even if the caller gives up
	writeCtx := context.WithoutCancel(ctx)

	if fresh {
		if err := m.store.ClearProfile(writeCtx); err != nil {
			return m.fail(err)
		}
	}
	if err := m.store.SetToken(writeCtx, token); err != nil {
		m.logger.Error("couldn't persist session token", "error", err)
		return m.fail(err)
	}

	m.set(Authenticating, nil, nil)
	return m.resolve(ctx, token)
}

// resolve checks the role behind token and settles on a final state. The
// machine must already be Authenticating.
func (m *Machine) resolve(ctx context.Context, token model.SessionToken) error {
	user, err := m.client.FetchUser(ctx, token)
	if err != nil {
		if autherr.Is(err, autherr.KindUnauthorized) {
			return m.invalidate(ctx, err)
		}
		// Transient: keep the token so the next start can try again
		m.logger.Warn("couldn't check role, keeping cached token", "kind", autherr.KindOf(err), "error", err)
		m.set(Unauthenticated, nil, err)
		return err
	}

	if err := m.policy.CheckRole(user.Role); err != nil {
		m.logger.Warn("signed in with a role that may not use the app", "role", user.Role, "user_id", user.ID)
		return m.invalidate(ctx, autherr.Wrap(autherr.KindUnauthorized, "check role", err))
	}

	cached, err := m.store.Profile(ctx)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		m.logger.Warn("couldn't read cached profile, ignoring it", "error", err)
	}
	if cached != nil && (cached.ID == user.ID || cached.Email == user.Email) {
		user.MergeDriverDetails(cached)
	}

	if !profile.IsComplete(user) {
		m.set(AuthenticatedIncompleteProfile, user, nil)
		return nil
	}

	if err := m.store.SetProfile(context.WithoutCancel(ctx), user); err != nil {
		m.logger.Error("couldn't cache profile", "error", err)
		m.set(Unauthenticated, nil, err)
		return err
	}
	m.set(AuthenticatedComplete, user, nil)
	return nil
}

// invalidate destroys every cached credential and lands in Unauthorized.
func (m *Machine) invalidate(ctx context.Context, cause error) error {
	writeCtx := context.WithoutCancel(ctx)

	if err := m.store.Clear(writeCtx); err != nil {
		m.logger.Error("couldn't clear credentials after unauthorized response", "error", err)
		cause = errors.Join(cause, err)
	}
	if err := m.provider.SignOut(writeCtx); err != nil {
		m.logger.Warn("provider sign-out failed", "error", err)
	}

	m.set(Unauthorized, nil, cause)
	return cause
}

// SaveProfile validates and stores the driver details. On success the
// session is AuthenticatedComplete.
func (m *Machine) SaveProfile(ctx context.Context, fields profile.Fields) error {
	const op = "save profile"
	end, err := m.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if err := m.requireState(op, AuthenticatedIncompleteProfile, AuthenticatedComplete); err != nil {
		return m.fail(err)
	}

	m.mu.Lock()
	base := m.profile.Clone()
	m.mu.Unlock()

	saved, err := m.gate.Save(ctx, base, fields)
	if err != nil {
		return m.fail(err)
	}

	m.set(AuthenticatedComplete, saved, nil)
	return nil
}

// Logout removes the token and the profile together. It also works from
// Unauthenticated, which is where a transient failure leaves a kept token.
func (m *Machine) Logout(ctx context.Context) error {
	const op = "logout"
	end, err := m.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if err := m.requireState(op, AuthenticatedComplete, AuthenticatedIncompleteProfile, Unauthenticated); err != nil {
		return m.fail(err)
	}

	writeCtx := context.WithoutCancel(ctx)
	if err := m.store.Clear(writeCtx); err != nil {
		m.logger.Error("couldn't clear credentials on logout", "error", err)
		return m.fail(err)
	}
	if err := m.provider.SignOut(writeCtx); err != nil {
		m.logger.Warn("provider sign-out failed", "error", err)
	}

	m.set(Unauthenticated, nil, nil)
	return nil
}

// Acknowledge dismisses the unauthorized alert.
func (m *Machine) Acknowledge(ctx context.Context) error {
	const op = "acknowledge"
	end, err := m.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if err := m.requireState(op, Unauthorized); err != nil {
		return m.fail(err)
	}

	m.set(Unauthenticated, nil, nil)
	return nil
}
