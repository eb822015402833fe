package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Resolver maps a raw session cookie value to the user it was issued for.
type Resolver interface {
	ResolveSession(ctx context.Context, rawToken string) (int64, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, rawToken string) (int64, error)

// ResolveSession calls resolverFunc.
func (resolverFunc ResolverFunc) ResolveSession(ctx context.Context, rawToken string) (int64, error) {
	return resolverFunc(ctx, rawToken)
}

// ErrorHandler renders a rejected request. It must abort the context.
type ErrorHandler func(contextGin *gin.Context, err error)

// Config configures the Validator.
type Config struct {
	CookieName string
	Resolver   Resolver
	OnError    ErrorHandler
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "session_user_id"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "mi-session-token"

// Sentinel errors exposed by the validator.
var (
	ErrMissingResolver = errors.New("session.validator.missing_resolver")
	ErrMissingCookie   = errors.New("session.validator.missing_cookie")
	ErrMissingRequest  = errors.New("session.validator.missing_request")
)

// Validator resolves session cookies into user ids.
type Validator struct {
	cookieName string
	resolver   Resolver
	onError    ErrorHandler
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.Resolver == nil {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingResolver)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	onError := configuration.OnError
	if onError == nil {
		onError = abortUnauthorized
	}
	return &Validator{
		cookieName: cookieName,
		resolver:   configuration.Resolver,
		onError:    onError,
	}, nil
}

// CookieName reports the cookie the validator reads.
func (validator *Validator) CookieName() string {
	return validator.cookieName
}

// ValidateRequest reads the configured cookie from the request and resolves it.
func (validator *Validator) ValidateRequest(request *http.Request) (int64, error) {
	if request == nil {
		return 0, fmt.Errorf("session.validator.validate_request: %w", ErrMissingRequest)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return 0, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	userID, err := validator.resolver.ResolveSession(request.Context(), cookie.Value)
	if err != nil {
		return 0, fmt.Errorf("session.validator.validate_request: %w", err)
	}
	return userID, nil
}

// GinMiddleware returns a Gin middleware that resolves the session cookie and stores the user id.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		userID, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			validator.onError(contextGin, err)
			return
		}
		contextGin.Set(contextKey, userID)
		contextGin.Next()
	}
}

// UserID reads the id stored by GinMiddleware under DefaultContextKey.
func UserID(contextGin *gin.Context) (int64, bool) {
	return UserIDFromKey(contextGin, DefaultContextKey)
}

// UserIDFromKey reads the id stored by GinMiddleware under contextKey.
// An empty key selects DefaultContextKey, matching GinMiddleware.
func UserIDFromKey(contextGin *gin.Context, contextKey string) (int64, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return 0, false
	}
	userID, ok := value.(int64)
	return userID, ok
}

func abortUnauthorized(contextGin *gin.Context, err error) {
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
