package devbackend

import (
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/lachlan2k/busline/internal/accesscontrol"
	"github.com/lachlan2k/busline/internal/backend"
	"github.com/lachlan2k/busline/internal/logging"
)

const userContextKey = "user"

func (s *Server) registerRoutes() {
	s.echo.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	s.echo.POST(backend.ExchangePath, s.exchangeRouteHandler)

	authRoute := s.echo.Group("/api/auth")
	authRoute.Use(echojwt.WithConfig(echojwt.Config{
		ContextKey: userContextKey,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return s.issuer.Parse(auth)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, errorResponse("Unauthorized"))
		},
	}))
	authRoute.GET(strings.TrimPrefix(backend.UserPath, "/api/auth"), s.userRouteHandler)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func errorResponse(message string) backend.Envelope[any] {
	return backend.Envelope[any]{Message: message}
}

// idTokenClaims is read without verification. The dev backend trusts
// whatever the app hands it, which is the point: it works with the static
// provider and with any real OIDC issuer alike.
type idTokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

func (s *Server) exchangeRouteHandler(c echo.Context) error {
	var req backend.ExchangeRequest
	if err := c.Bind(&req); err != nil || req.IDToken == "" {
		return c.JSON(http.StatusBadRequest, errorResponse("idToken is required"))
	}

	claims := new(idTokenClaims)
	if _, _, err := jwt.NewParser().ParseUnverified(req.IDToken, claims); err != nil {
		s.logger.Warn("couldn't parse id token", "token", logging.Fingerprint(req.IDToken), "error", err)
		return c.JSON(http.StatusBadRequest, errorResponse("idToken is not a JWT"))
	}
	if claims.Subject == "" || claims.Email == "" {
		return c.JSON(http.StatusBadRequest, errorResponse("idToken is missing sub or email"))
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}

	user := s.users.upsert(claims.Subject, claims.Email, name, s.conf.DevBackend.OrganizationID)
	user.Role = accesscontrol.AssignRole(s.conf, user.Email)

	token, err := s.issuer.Issue(user)
	if err != nil {
		s.logger.Error("couldn't issue session token", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse("Couldn't log you in"))
	}

	s.logger.Info("issued session token", "user_id", user.ID, "email", user.Email, "role", user.Role, "token", logging.Fingerprint(token))
	return c.JSON(http.StatusOK, backend.Envelope[backend.TokenData]{Data: backend.TokenData{Token: token}})
}

func (s *Server) userRouteHandler(c echo.Context) error {
	claims, ok := c.Get(userContextKey).(*backend.SessionClaims)
	if !ok {
		s.logger.Error("session claims missing from context")
		return c.JSON(http.StatusUnauthorized, errorResponse("Unauthorized"))
	}

	user, ok := s.users.get(claims.Subject)
	if !ok {
		// Issued before a restart
		return c.JSON(http.StatusUnauthorized, errorResponse("Unknown user"))
	}

	// Roles come from the current mapping rather than the token, so the
	// mapping can be changed and the server restarted without old tokens
	// carrying stale roles over
	user.Role = accesscontrol.AssignRole(s.conf, user.Email)

	return c.JSON(http.StatusOK, backend.Envelope[any]{Data: user})
}
