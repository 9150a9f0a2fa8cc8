// Package backend exchanges identity assertions for first-party session
// tokens and looks up who a token belongs to.
//
// Two implementations exist: HTTPClient talks to the real service and
// LocalClient mints and checks tokens on-device for offline testing.
// Which one is used is a configuration choice (backend.mode).
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/model"
)

const (
	ExchangePath = "/oauth2/authorization/google"
	UserPath     = "/api/auth/user"
)

type Client interface {
	// Exchange fails with KindExchangeFailed on a rejected or malformed
	// response, KindTimeout or KindNetwork if the backend couldn't be reached.
	Exchange(ctx context.Context, assertion *model.IdentityAssertion) (model.SessionToken, error)
	// FetchAuthorizedRole fails with KindUnauthorized on 401/403,
	// KindTimeout once the call deadline passes, KindNetwork otherwise.
	FetchAuthorizedRole(ctx context.Context, token model.SessionToken) (model.Role, error)
	// FetchUser has the same failure modes as FetchAuthorizedRole.
	FetchUser(ctx context.Context, token model.SessionToken) (*model.UserProfile, error)
}

// Wire shapes, shared with the development backend

type ExchangeRequest struct {
	IDToken string `json:"idToken"`
}

// Envelope wraps every response body. Errors carry only a message.
type Envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

type TokenData struct {
	Token string `json:"token"`
}

// FromConfig picks the client named by backend.mode.
func FromConfig(conf *config.Config, m *metrics.Metrics, logger *slog.Logger) (Client, error) {
	switch conf.Backend.Mode {
	case "http":
		return NewHTTPClient(conf, m, logger), nil
	case "local":
		return NewLocalClient(conf, logger), nil
	}
	return nil, fmt.Errorf("unknown backend mode %q", conf.Backend.Mode)
}
