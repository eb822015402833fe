package authkit

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/mapperinfluence/miauth/pkg/sessionvalidator"
)

// RequireSession resolves the session cookie and stores the user id on the context
// under sessionvalidator.DefaultContextKey.
func RequireSession(configuration ServerConfig, manager *SessionManager, responder *ErrorResponder, metrics MetricsRecorder) (gin.HandlerFunc, error) {
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if responder == nil {
		responder = NewErrorResponder(nil, nil)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		CookieName: configuration.cookieName(),
		Resolver: sessionvalidator.ResolverFunc(func(ctx context.Context, rawToken string) (int64, error) {
			userID, resolveErr := manager.ResolveSession(ctx, rawToken)
			if resolveErr != nil {
				return 0, resolveErr
			}
			metrics.Increment(metricSessionResolved)
			return userID, nil
		}),
		OnError: func(contextGin *gin.Context, err error) {
			metrics.Increment(metricSessionUnauthorized)
			responder.Respond(contextGin, "auth.session.rejected", err)
		},
	})
	if err != nil {
		return nil, err
	}
	return validator.GinMiddleware(sessionvalidator.DefaultContextKey), nil
}
