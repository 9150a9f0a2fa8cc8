package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/model"
)

const localIssuer = "busline-local"

// LocalClient is the offline "test login": it trusts the assertion, gives
// the user the configured role and signs its own tokens.
type LocalClient struct {
	issuer *TokenIssuer
	role   model.Role
	orgID  string
	logger *slog.Logger
}

func NewLocalClient(conf *config.Config, logger *slog.Logger) *LocalClient {
	return &LocalClient{
		issuer: &TokenIssuer{
			Secret:   []byte(conf.Backend.Local.Secret),
			Lifetime: time.Duration(conf.Backend.Local.TokenLifetime) * time.Second,
			Issuer:   localIssuer,
		},
		role:   conf.Backend.Local.Role,
		orgID:  conf.Backend.Local.OrganizationID,
		logger: logging.Discard(logger).With("component", "backend", "mode", "local"),
	}
}

// localUserID is stable per external identity.
func localUserID(externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("busline:"+externalID)).String()
}

func (c *LocalClient) Exchange(ctx context.Context, assertion *model.IdentityAssertion) (model.SessionToken, error) {
	const op = "exchange"
	if err := ctx.Err(); err != nil {
		return "", autherr.Wrap(autherr.KindUserCancelled, op, err)
	}
	if assertion == nil || assertion.ExternalID == "" || assertion.Email == "" {
		return "", autherr.New(autherr.KindExchangeFailed, op, "assertion is missing subject or email")
	}

	token, err := c.issuer.Issue(&model.UserProfile{
		ID:             localUserID(assertion.ExternalID),
		Name:           assertion.DisplayName,
		Email:          assertion.Email,
		Role:           c.role,
		OrganizationID: c.orgID,
	})
	if err != nil {
		return "", autherr.Wrap(autherr.KindExchangeFailed, op, err)
	}

	c.logger.Info("issued local session token", "subject", assertion.ExternalID, "role", c.role, "token", logging.Fingerprint(token))
	return token, nil
}

func (c *LocalClient) FetchUser(ctx context.Context, token model.SessionToken) (*model.UserProfile, error) {
	const op = "fetch user"
	if err := ctx.Err(); err != nil {
		return nil, autherr.Wrap(autherr.KindUserCancelled, op, err)
	}

	claims, err := c.issuer.Parse(token)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnauthorized, op, err)
	}
	return claims.Profile(), nil
}

func (c *LocalClient) FetchAuthorizedRole(ctx context.Context, token model.SessionToken) (model.Role, error) {
	profile, err := c.FetchUser(ctx, token)
	if err != nil {
		return "", err
	}
	return profile.Role, nil
}
