// Package identity wraps the external sign-in flow. Whatever the provider
// hands back is parsed into a model.IdentityAssertion here; raw provider
// payloads never leave this package.
package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/model"
)

// Provider failures are always *autherr.Error with one of KindUserCancelled,
// KindAlreadyInProgress, KindProviderUnavailable or KindUnknown.
type Provider interface {
	// EnsureReady checks the provider can be reached before any UI is shown.
	EnsureReady(ctx context.Context) error
	// SignIn clears any held provider session, then runs a fresh sign-in.
	SignIn(ctx context.Context) (*model.IdentityAssertion, error)
	// SignOut drops the provider-held session. Calling it again is a no-op.
	SignOut(ctx context.Context) error
}

// URLOpener sends the user to the provider's authorization page, usually
// by launching a browser or printing the link.
type URLOpener func(ctx context.Context, url string) error

// FromConfig picks the provider named by identity.provider.
func FromConfig(conf *config.Config, open URLOpener, logger *slog.Logger) (Provider, error) {
	switch conf.Identity.Provider {
	case "oidc":
		return NewOIDCProvider(conf, open, logger), nil
	case "static":
		logging.Discard(logger).Warn("using the static identity provider, this is for development only", "subject", conf.Identity.Static.Subject)
		return NewStaticProvider(conf), nil
	}
	return nil, fmt.Errorf("unknown identity provider %q", conf.Identity.Provider)
}
