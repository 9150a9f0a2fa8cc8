package session

import (
	"context"
	"errors"
	"sync"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/credstore"
	"github.com/lachlan2k/busline/internal/model"
)

type fakeProvider struct {
	mu       sync.Mutex
	signIns  int
	signOuts int

	readyErr  error
	signInErr error
	// block, if set, is waited on inside SignIn
	block   chan struct{}
	started chan struct{}
}

func (p *fakeProvider) EnsureReady(ctx context.Context) error {
	return p.readyErr
}

func (p *fakeProvider) SignIn(ctx context.Context) (*model.IdentityAssertion, error) {
	p.mu.Lock()
	p.signIns++
	block, started := p.block, p.started
	p.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, autherr.Wrap(autherr.KindUserCancelled, "sign in", ctx.Err())
		}
	}
	if p.signInErr != nil {
		return nil, p.signInErr
	}
	return &model.IdentityAssertion{
		ExternalID:    "sub-1",
		Email:         "ana@depot.example.com",
		DisplayName:   "Ana",
		ProviderToken: "provider-token",
	}, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	return nil
}

type fakeClient struct {
	mu          sync.Mutex
	exchanges   int
	fetches     int
	token       string
	exchangeErr error
	// user is returned by FetchUser unless fetchErr is set
	user     *model.UserProfile
	fetchErr error
	onFetch  func(ctx context.Context) error
}

func (c *fakeClient) Exchange(ctx context.Context, assertion *model.IdentityAssertion) (model.SessionToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges++
	if c.exchangeErr != nil {
		return "", c.exchangeErr
	}
	return c.token, nil
}

func (c *fakeClient) FetchUser(ctx context.Context, token model.SessionToken) (*model.UserProfile, error) {
	c.mu.Lock()
	c.fetches++
	hook, user, err := c.onFetch, c.user.Clone(), c.fetchErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (c *fakeClient) FetchAuthorizedRole(ctx context.Context, token model.SessionToken) (model.Role, error) {
	user, err := c.FetchUser(ctx, token)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

func (c *fakeClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// brokenStore fails every write but reads from an underlying store.
type brokenStore struct {
	*credstore.Store
}

var errDiskFull = errors.New("disk full")

func (s brokenStore) SetToken(ctx context.Context, token model.SessionToken) error {
	return autherr.Wrap(autherr.KindStorage, "set token", errDiskFull)
}

func (s brokenStore) SetProfile(ctx context.Context, profile *model.UserProfile) error {
	return autherr.Wrap(autherr.KindStorage, "set profile", errDiskFull)
}

func (s brokenStore) Clear(ctx context.Context) error {
	return autherr.Wrap(autherr.KindStorage, "clear credentials", errDiskFull)
}
