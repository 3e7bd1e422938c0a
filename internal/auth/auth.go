package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"buildflow/backend/internal/config"
	"buildflow/backend/internal/logging"
	"buildflow/backend/pkg/models"
)

// actorKey is the echo context key the middleware stores the caller under.
const actorKey = "actor"

// Auth verifies bearer tokens against an Okta tenant and turns their claims
// into an Actor for the engine.
type Auth struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	logger       *logging.Logger
	bypass       bool
}

// New creates a new Auth using values from the application configuration. It
// establishes a connection to the provider and prepares a token verifier.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	if isDev && cfg.DevModeBypass {
		logger.Warn("auth bypass enabled; every request runs as dev@localhost with full capabilities")
		return &Auth{logger: logger, bypass: true}, nil
	}

	if cfg.Auth.OktaDomain == "" {
		return nil, errors.New("auth configuration is incomplete")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	// The browser login flow is optional; bearer-only deployments leave the
	// client credentials unset.
	var oauth2Config *oauth2.Config
	if cfg.Auth.ClientID != "" && cfg.Auth.ClientSecret != "" && cfg.Auth.RedirectURL != "" {
		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}
	}

	// Access tokens often have a different audience (e.g. "api://default"),
	// so the client id check is skipped.
	return &Auth{
		verifier:     provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		oauth2Config: oauth2Config,
		logger:       logger,
	}, nil
}

// Middleware authenticates the request's bearer token and stores the
// resulting actor on the echo context.
func (a *Auth) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a.bypass {
				c.Set(actorKey, models.Actor{
					UserID:       "dev@localhost",
					Capabilities: AllCapabilities(),
				})
				return next(c)
			}

			raw := ""
			if header := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(header, "Bearer ") {
				raw = strings.TrimPrefix(header, "Bearer ")
			} else if cookie, err := c.Cookie("id_token"); err == nil {
				// Session cookie set by the browser login flow.
				raw = cookie.Value
			}
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			token, err := a.verifier.Verify(c.Request().Context(), raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token: "+err.Error())
			}

			var claims struct {
				Sub   string   `json:"sub"`
				Email string   `json:"email"`
				Scp   []string `json:"scp"`
			}
			if err := token.Claims(&claims); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "failed to parse token claims")
			}
			userID := claims.Email
			if userID == "" {
				userID = claims.Sub
			}
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token carries no subject")
			}

			c.Set(actorKey, models.Actor{
				UserID:       userID,
				Capabilities: CapabilitiesForScopes(claims.Scp),
			})
			return next(c)
		}
	}
}

// ActorFrom returns the actor the middleware stored for this request. An
// unauthenticated request yields a zero actor with no capabilities.
func ActorFrom(c echo.Context) models.Actor {
	if actor, ok := c.Get(actorKey).(models.Actor); ok {
		return actor
	}
	return models.Actor{}
}

// SetActor stores an actor on the context. Test helper for handler tests
// that skip the middleware.
func SetActor(c echo.Context, actor models.Actor) {
	c.Set(actorKey, actor)
}
