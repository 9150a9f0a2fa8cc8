package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type callbackResult struct {
	code        string
	errCode     string
	description string
}

// callbackReceiver is a one-shot loopback server that catches the
// provider's redirect.
type callbackReceiver struct {
	srv     *http.Server
	ln      net.Listener
	path    string
	results chan callbackResult
	logger  *slog.Logger
}

func startCallbackReceiver(listenAddress, path, expectedState string, logger *slog.Logger) (*callbackReceiver, error) {
	ln, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("couldn't listen for the sign-in redirect on %s: %w", listenAddress, err)
	}

	r := &callbackReceiver{
		ln:      ln,
		path:    path,
		results: make(chan callbackResult, 1),
		logger:  logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET(path, func(c echo.Context) error {
		if c.QueryParam("state") != expectedState {
			logger.Warn("sign-in redirect carried an unexpected state, ignoring it")
			return c.String(http.StatusBadRequest, "State mismatch")
		}

		res := callbackResult{
			code:        c.QueryParam("code"),
			errCode:     c.QueryParam("error"),
			description: c.QueryParam("error_description"),
		}
		if res.code == "" && res.errCode == "" {
			return c.String(http.StatusBadRequest, "No code was provided")
		}

		select {
		case r.results <- res:
		default:
			// Already have an answer
		}

		if res.errCode != "" {
			return c.String(http.StatusOK, "Sign-in was not completed. You can close this window.")
		}
		return c.String(http.StatusOK, "Signed in. You can close this window and return to the app.")
	})

	r.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := r.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("sign-in redirect receiver stopped", "error", err)
		}
	}()

	return r, nil
}

func (r *callbackReceiver) redirectURL() string {
	return "http://" + r.ln.Addr().String() + r.path
}

func (r *callbackReceiver) wait(ctx context.Context) (callbackResult, error) {
	select {
	case res := <-r.results:
		return res, nil
	case <-ctx.Done():
		return callbackResult{}, ctx.Err()
	}
}

// close stops the receiver, logging any failure.
func (r *callbackReceiver) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.srv.Shutdown(ctx); err != nil {
		r.logger.Warn("couldn't stop the sign-in redirect receiver cleanly", "error", err)
		return err
	}
	return nil
}
