package authkit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mapperinfluence/miauth/internal/osuapi"
)

// AuthRoutes serves the browser side of the osu! login.
type AuthRoutes struct {
	configuration ServerConfig
	manager       *SessionManager
	states        StateStore
	responder     *ErrorResponder
	metrics       MetricsRecorder
	logger        *zap.Logger
}

// NewAuthRoutes builds the login handlers.
func NewAuthRoutes(configuration ServerConfig, manager *SessionManager, states StateStore, responder *ErrorResponder, metrics MetricsRecorder, logger *zap.Logger) *AuthRoutes {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if states == nil {
		states = NewMemoryStateStore(DefaultStateTTL)
	}
	if responder == nil {
		responder = NewErrorResponder(logger, nil)
	}
	return &AuthRoutes{
		configuration: configuration,
		manager:       manager,
		states:        states,
		responder:     responder,
		metrics:       metrics,
		logger:        logger,
	}
}

// returnToParam names the app path /login sends the browser back to after the callback.
const returnToParam = "return_to"

// Mount registers /login and /auth.
func (routes *AuthRoutes) Mount(router gin.IRouter) {
	router.GET("/login", routes.handleLogin)
	router.GET("/auth", routes.handleCallback)
}

func (routes *AuthRoutes) handleLogin(contextGin *gin.Context) {
	returnTo := SanitizeReturnPath(contextGin.Query(returnToParam))
	if rawToken := sessionCookieValue(contextGin.Request, routes.configuration); rawToken != "" {
		if _, err := routes.manager.ResolveSession(contextGin.Request.Context(), rawToken); err == nil {
			contextGin.Redirect(http.StatusFound, routes.configuration.appURL(returnTo))
			return
		}
	}
	state, err := routes.states.Issue(contextGin.Request.Context(), returnTo)
	if err != nil {
		routes.responder.Respond(contextGin, "auth.login.state", err)
		return
	}
	contextGin.Redirect(http.StatusFound, routes.manager.LoginURL(state))
}

func (routes *AuthRoutes) handleCallback(contextGin *gin.Context) {
	if providerError := strings.TrimSpace(contextGin.Query("error")); providerError != "" {
		routes.failLogin(contextGin, fmt.Errorf("auth.callback: provider returned %q: %w", providerError, osuapi.ErrProviderRejected))
		return
	}
	pending, err := routes.states.Consume(contextGin.Request.Context(), contextGin.Query("state"))
	if err != nil {
		routes.failLogin(contextGin, fmt.Errorf("auth.callback.state: %w: %w", osuapi.ErrProviderRejected, err))
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	if code == "" {
		routes.failLogin(contextGin, fmt.Errorf("auth.callback: missing code: %w", osuapi.ErrProviderRejected))
		return
	}

	result, err := routes.manager.CompleteOAuthLogin(contextGin.Request.Context(), code)
	if err != nil {
		routes.failLogin(contextGin, err)
		return
	}
	writeSessionCookie(contextGin, routes.configuration, result.SessionToken)
	contextGin.Redirect(http.StatusFound, routes.configuration.appURL(pending.ReturnTo))
}

func (routes *AuthRoutes) failLogin(contextGin *gin.Context, err error) {
	classified := routes.responder.Observe(contextGin.Request.Context(), "auth.login.failed", err)
	disposition := classified.Kind.Disposition()
	switch classified.Kind {
	case KindMissingScope:
		routes.metrics.Increment(metricLoginMissingScope)
	case KindProviderRejected:
		routes.metrics.Increment(metricLoginRejected)
	default:
		routes.metrics.Increment(metricLoginFailed)
	}
	if disposition.LoginRedirect != "" {
		contextGin.Redirect(http.StatusFound, routes.configuration.loginFailedURL(disposition.LoginRedirect))
		contextGin.Abort()
		return
	}
	contextGin.AbortWithStatusJSON(disposition.Status, gin.H{
		"error":   disposition.Category,
		"message": disposition.Message,
	})
}
