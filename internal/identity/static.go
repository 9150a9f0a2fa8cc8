package identity

import (
	"context"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/model"
)

const staticIssuer = "busline-static"

type staticClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// StaticProvider asserts a fixed identity without talking to anyone. It is
// for development against the local dev backend; the provider token it
// produces is an unsigned JWT carrying the same claims a real id_token would.
type StaticProvider struct {
	subject string
	email   string
	name    string

	mu     sync.Mutex
	held   bool
	flight sync.Mutex
}

func NewStaticProvider(conf *config.Config) *StaticProvider {
	name := conf.Identity.Static.Name
	if name == "" {
		name = conf.Identity.Static.Email
	}
	return &StaticProvider{
		subject: conf.Identity.Static.Subject,
		email:   conf.Identity.Static.Email,
		name:    name,
	}
}

func (p *StaticProvider) EnsureReady(ctx context.Context) error {
	return nil
}

func (p *StaticProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = false
	return nil
}

func (p *StaticProvider) SignIn(ctx context.Context) (*model.IdentityAssertion, error) {
	if !p.flight.TryLock() {
		return nil, autherr.New(autherr.KindAlreadyInProgress, "sign in", "a sign-in is already running")
	}
	defer p.flight.Unlock()

	if err := p.SignOut(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, autherr.Wrap(autherr.KindUserCancelled, "sign in", err)
	}

	now := time.Now()
	claims := &staticClaims{
		Email: p.email,
		Name:  p.name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    staticIssuer,
			Subject:   p.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, "sign in", err)
	}

	p.mu.Lock()
	p.held = true
	p.mu.Unlock()

	return &model.IdentityAssertion{
		ExternalID:    p.subject,
		Email:         p.email,
		DisplayName:   p.name,
		ProviderToken: token,
	}, nil
}

// signedIn reports whether a provider session is currently held.
func (p *StaticProvider) signedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}
