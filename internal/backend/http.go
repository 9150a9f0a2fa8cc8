package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/model"
)

const maxResponseBytes = 1 << 20

type HTTPClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHTTPClient(conf *config.Config, m *metrics.Metrics, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(conf.Backend.BaseURL, "/"),
		timeout: time.Duration(conf.Backend.TimeoutSeconds) * time.Second,
		http:    &http.Client{},
		metrics: m,
		logger:  logging.Discard(logger).With("component", "backend"),
	}
}

type response struct {
	status int
	body   []byte
}

// do runs one request under the per-call deadline. Only transport-level
// failures come back as errors; any HTTP status is a response.
func (c *HTTPClient) do(ctx context.Context, op, method, path, bearer string, body any) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buff, err := json.Marshal(body)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindUnknown, op, err)
		}
		reader = bytes.NewReader(buff)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	logger := c.logger.With("op", op, "request_id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		kind := transportKind(ctx, err)
		logger.Warn("backend request failed", "kind", kind, "error", err)
		return nil, autherr.Wrap(kind, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := transportKind(ctx, err)
		logger.Warn("reading backend response failed", "kind", kind, "error", err)
		return nil, autherr.Wrap(kind, op, err)
	}

	logger.Debug("backend responded", "status", resp.StatusCode)
	return &response{status: resp.StatusCode, body: raw}, nil
}

func transportKind(ctx context.Context, err error) autherr.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return autherr.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return autherr.KindUserCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return autherr.KindTimeout
	}
	return autherr.KindNetwork
}

// backendMessage pulls {message} out of an error body, if there is one.
func backendMessage(body []byte) string {
	var env Envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.Message
}

func statusError(kind autherr.Kind, op string, res *response) error {
	msg := fmt.Sprintf("backend returned %d", res.status)
	if m := backendMessage(res.body); m != "" {
		msg += ": " + m
	}
	return autherr.New(kind, op, msg)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func (c *HTTPClient) observe(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(autherr.KindOf(err))
	}
	c.metrics.ObserveBackendCall(op, outcome, started)
}

func (c *HTTPClient) Exchange(ctx context.Context, assertion *model.IdentityAssertion) (token model.SessionToken, err error) {
	const op = "exchange"
	started := time.Now()
	defer func() { c.observe(op, started, err) }()

	if assertion == nil || assertion.ProviderToken == "" {
		return "", autherr.New(autherr.KindExchangeFailed, op, "no provider token to exchange")
	}

	res, err := c.do(ctx, op, http.MethodPost, ExchangePath, "", ExchangeRequest{IDToken: assertion.ProviderToken})
	if err != nil {
		return "", err
	}
	if !isSuccess(res.status) {
		return "", statusError(autherr.KindExchangeFailed, op, res)
	}

	var body Envelope[TokenData]
	if err := json.Unmarshal(res.body, &body); err != nil {
		return "", autherr.Wrapf(autherr.KindExchangeFailed, op, err, "malformed token response")
	}
	if body.Data.Token == "" {
		return "", autherr.New(autherr.KindExchangeFailed, op, "token response had no token")
	}

	c.logger.Info("exchanged identity for session token", "subject", assertion.ExternalID, "token", logging.Fingerprint(body.Data.Token))
	return body.Data.Token, nil
}

func (c *HTTPClient) FetchUser(ctx context.Context, token model.SessionToken) (profile *model.UserProfile, err error) {
	const op = "fetch user"
	started := time.Now()
	defer func() { c.observe(op, started, err) }()

	res, err := c.do(ctx, op, http.MethodGet, UserPath, token, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return nil, statusError(autherr.KindUnauthorized, op, res)
	case !isSuccess(res.status):
		return nil, statusError(autherr.KindNetwork, op, res)
	}

	var body Envelope[*model.UserProfile]
	if err := json.Unmarshal(res.body, &body); err != nil {
		return nil, autherr.Wrapf(autherr.KindNetwork, op, err, "malformed user response")
	}
	if body.Data == nil {
		return nil, autherr.New(autherr.KindNetwork, op, "user response had no data")
	}
	return body.Data, nil
}

func (c *HTTPClient) FetchAuthorizedRole(ctx context.Context, token model.SessionToken) (model.Role, error) {
	profile, err := c.FetchUser(ctx, token)
	if err != nil {
		return "", err
	}
	return profile.Role, nil
}
