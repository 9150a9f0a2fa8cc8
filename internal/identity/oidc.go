package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/model"
)

type oidcUtils struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	provider *oidc.Provider
}

func makeOIDCUtils(ctx context.Context, conf *config.Config) (*oidcUtils, error) {
	utils := &oidcUtils{}

	shouldOverrideDiscovery := conf.OIDC.IssuerDiscoveryOverrideURL != ""

	var err error

	if shouldOverrideDiscovery {
		ctx = oidc.InsecureIssuerURLContext(ctx, conf.OIDC.IssuerURL)
		utils.provider, err = oidc.NewProvider(ctx, conf.OIDC.IssuerDiscoveryOverrideURL)
	} else {
		utils.provider, err = oidc.NewProvider(ctx, conf.OIDC.IssuerURL)
	}

	if err != nil {
		return nil, err
	}

	endpoint := utils.provider.Endpoint()

	if shouldOverrideDiscovery {
		endpoint.AuthURL = strings.Replace(endpoint.AuthURL, conf.OIDC.IssuerDiscoveryOverrideURL, conf.OIDC.IssuerURL, 1)
	}

	// RedirectURL is filled in per sign-in, once the loopback port is known
	utils.config = &oauth2.Config{
		ClientID:     conf.OIDC.ClientID,
		ClientSecret: conf.OIDC.ClientSecret,

		Endpoint: endpoint,
		Scopes:   append([]string{oidc.ScopeOpenID, "email", "profile"}, conf.OIDC.AdditionalScopes...),
	}

	utils.verifier = utils.provider.Verifier(&oidc.Config{ClientID: conf.OIDC.ClientID})

	return utils, nil
}

type oauthState struct {
	Nonce string
}

// idTokenClaims is the strict shape we accept from the provider.
type idTokenClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Nonce   string `json:"nonce"`
}

func (c idTokenClaims) validate() error {
	if c.Subject == "" {
		return errors.New("id_token has no sub claim")
	}
	if c.Email == "" {
		return errors.New("id_token has no email claim")
	}
	return nil
}

// OIDCProvider runs an authorization-code + PKCE flow against any OIDC
// issuer, catching the redirect on a loopback listener.
type OIDCProvider struct {
	conf   *config.Config
	open   URLOpener
	logger *slog.Logger

	// timeout bounds each call to the issuer
	timeout time.Duration

	// flight is held for the whole of SignIn; TryLock failing means a
	// sign-in is already running
	flight sync.Mutex

	mu        sync.Mutex
	utils     *oidcUtils
	heldToken string
}

func NewOIDCProvider(conf *config.Config, open URLOpener, logger *slog.Logger) *OIDCProvider {
	return &OIDCProvider{
		conf:    conf,
		open:    open,
		logger:  logging.Discard(logger).With("component", "identity"),
		timeout: time.Duration(conf.OIDC.TimeoutSeconds) * time.Second,
	}
}

// EnsureReady runs issuer discovery the first time it's called. Failures
// aren't cached, so a later call retries.
func (p *OIDCProvider) EnsureReady(ctx context.Context) error {
	_, err := p.getUtils(ctx)
	return err
}

func (p *OIDCProvider) getUtils(ctx context.Context) (*oidcUtils, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.utils != nil {
		return p.utils, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	utils, err := makeOIDCUtils(ctx, p.conf)
	if err != nil {
		p.logger.Warn("OIDC discovery failed", "issuer", p.conf.OIDC.IssuerURL, "error", err)
		return nil, autherr.Wrap(autherr.KindProviderUnavailable, "oidc discovery", err)
	}
	p.utils = utils
	return utils, nil
}

func (p *OIDCProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.heldToken != "" {
		p.logger.Debug("dropping held provider session", "token", logging.Fingerprint(p.heldToken))
	}
	p.heldToken = ""
	return nil
}

func (p *OIDCProvider) SignIn(ctx context.Context) (*model.IdentityAssertion, error) {
	if !p.flight.TryLock() {
		return nil, autherr.New(autherr.KindAlreadyInProgress, "sign in", "a sign-in is already running")
	}
	defer p.flight.Unlock()

	// Never reuse a stale external identity
	if err := p.SignOut(ctx); err != nil {
		return nil, err
	}

	utils, err := p.getUtils(ctx)
	if err != nil {
		return nil, err
	}

	nonceBuff := make([]byte, 16)
	if _, err := rand.Read(nonceBuff); err != nil {
		return nil, autherr.Wrapf(autherr.KindUnknown, "sign in", err, "failed to generate random material for oauth nonce")
	}
	nonceStr := base64.RawURLEncoding.EncodeToString(nonceBuff)

	stateBuff, err := json.Marshal(oauthState{Nonce: nonceStr})
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, "sign in", err)
	}
	stateStr := string(stateBuff)

	receiver, err := startCallbackReceiver(p.conf.OIDC.ListenAddress, p.conf.OIDC.CallbackPath, stateStr, p.logger)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindProviderUnavailable, "sign in", err)
	}
	defer receiver.close()

	oauthConfig := *utils.config
	oauthConfig.RedirectURL = receiver.redirectURL()

	verifier := oauth2.GenerateVerifier()
	authURL := oauthConfig.AuthCodeURL(stateStr, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonceStr))

	p.logger.Info("waiting for sign-in", "redirect_url", oauthConfig.RedirectURL)
	if err := p.open(ctx, authURL); err != nil {
		return nil, autherr.Wrapf(autherr.KindProviderUnavailable, "sign in", err, "couldn't open the sign-in page")
	}

	res, err := receiver.wait(ctx)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUserCancelled, "sign in", err)
	}

	if res.errCode != "" {
		if res.errCode == "access_denied" {
			return nil, autherr.New(autherr.KindUserCancelled, "sign in", "the user declined to sign in")
		}
		return nil, autherr.New(autherr.KindUnknown, "sign in", fmt.Sprintf("provider returned %s: %s", res.errCode, res.description))
	}

	// The key set fetch during Verify shares the exchange's deadline
	exchangeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := oauthConfig.Exchange(exchangeCtx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		p.logger.Warn("couldn't perform oauth2 exchange", "error", err)
		return nil, issuerCallError(ctx, exchangeCtx, err, "oauth2 exchange failed")
	}

	rawToken, ok := token.Extra("id_token").(string)
	if !ok || rawToken == "" {
		return nil, autherr.New(autherr.KindUnknown, "sign in", "provider response had no id_token")
	}

	idToken, err := utils.verifier.Verify(exchangeCtx, rawToken)
	if err != nil {
		p.logger.Warn("id_token failed verification", "token", logging.Fingerprint(rawToken), "error", err)
		return nil, issuerCallError(ctx, exchangeCtx, err, "id_token failed verification")
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherr.Wrapf(autherr.KindUnknown, "sign in", err, "couldn't extract claims from id_token")
	}
	if claims.Nonce != nonceStr {
		return nil, autherr.New(autherr.KindUnknown, "sign in", "id_token nonce mismatch")
	}
	if err := claims.validate(); err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, "sign in", err)
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = claims.Email
	}

	p.mu.Lock()
	p.heldToken = rawToken
	p.mu.Unlock()

	p.logger.Info("signed in with provider", "subject", claims.Subject, "token", logging.Fingerprint(rawToken))

	return &model.IdentityAssertion{
		ExternalID:    claims.Subject,
		Email:         claims.Email,
		DisplayName:   displayName,
		ProviderToken: rawToken,
	}, nil
}

// issuerCallError classifies a failed call made under callCtx, a child of ctx.
func issuerCallError(ctx, callCtx context.Context, err error, msg string) error {
	switch {
	case ctx.Err() != nil:
		return autherr.Wrapf(autherr.KindUserCancelled, "sign in", err, "%s", msg)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return autherr.Wrapf(autherr.KindTimeout, "sign in", err, "%s: the provider didn't answer in time", msg)
	}
	return autherr.Wrapf(autherr.KindUnknown, "sign in", err, "%s", msg)
}

// signedIn reports whether a provider session is currently held.
func (p *OIDCProvider) signedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heldToken != ""
}
