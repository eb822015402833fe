package authkit

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mapperinfluence/miauth/internal/osuapi"
	"github.com/mapperinfluence/miauth/internal/reconcile"
	"github.com/mapperinfluence/miauth/internal/sessionstore"
	"github.com/mapperinfluence/miauth/internal/userstore"
	"github.com/mapperinfluence/miauth/pkg/sessionvalidator"
)

// Kind is the closed set of failures surfaced at the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindCookie
	KindSessionExpired
	KindProviderRejected
	KindMissingScope
	KindProviderUnavailable
	KindProviderMalformed
	KindUserNotFound
	KindUserAlreadyExists
	KindInvalidRequest
	KindLock
	KindStoreUnavailable
)

// ErrInvalidRequest marks malformed client input.
var ErrInvalidRequest = errors.New("request.invalid")

// Disposition is how a Kind is rendered, logged and stored.
type Disposition struct {
	Category string
	Status   int
	Message  string
	Severity zapcore.Level
	Persist  bool
	// LoginRedirect sends browsers on the login callback to the failure page.
	LoginRedirect string
}

const internalMessage = "Something went wrong on our side."

// Disposition maps every Kind to its response.
func (kind Kind) Disposition() Disposition {
	switch kind {
	case KindCookie:
		return Disposition{Category: "cookie", Status: http.StatusUnauthorized, Message: "Malformed session cookie.", Severity: zapcore.InfoLevel}
	case KindSessionExpired:
		return Disposition{Category: "session_expired", Status: http.StatusUnauthorized, Message: "Session expired, please log in again.", Severity: zapcore.InfoLevel}
	case KindProviderRejected:
		return Disposition{Category: "provider_rejected", Status: http.StatusUnauthorized, Message: "osu! rejected the login.", Severity: zapcore.WarnLevel, LoginRedirect: "rejected"}
	case KindMissingScope:
		return Disposition{Category: "missing_scope", Status: http.StatusUnauthorized, Message: "The public scope is required to use this site.", Severity: zapcore.InfoLevel, LoginRedirect: "scope"}
	case KindProviderUnavailable:
		return Disposition{Category: "provider_unavailable", Status: http.StatusServiceUnavailable, Message: "osu! is not reachable right now, please try again.", Severity: zapcore.WarnLevel}
	case KindProviderMalformed:
		return Disposition{Category: "provider_malformed", Status: http.StatusBadGateway, Message: "osu! returned an unexpected response.", Severity: zapcore.ErrorLevel, Persist: true}
	case KindUserNotFound:
		return Disposition{Category: "user_not_found", Status: http.StatusNotFound, Message: "User not found.", Severity: zapcore.InfoLevel}
	case KindUserAlreadyExists:
		return Disposition{Category: "user_already_exists", Status: http.StatusConflict, Message: "User already exists.", Severity: zapcore.InfoLevel}
	case KindInvalidRequest:
		return Disposition{Category: "invalid_request", Status: http.StatusBadRequest, Message: "Invalid request.", Severity: zapcore.InfoLevel}
	case KindLock:
		return Disposition{Category: "lock", Status: http.StatusInternalServerError, Message: internalMessage, Severity: zapcore.ErrorLevel}
	case KindStoreUnavailable:
		return Disposition{Category: "store_unavailable", Status: http.StatusInternalServerError, Message: internalMessage, Severity: zapcore.ErrorLevel}
	case KindInternal:
		return Disposition{Category: "internal", Status: http.StatusInternalServerError, Message: internalMessage, Severity: zapcore.ErrorLevel, Persist: true}
	}
	return Disposition{Category: "internal", Status: http.StatusInternalServerError, Message: internalMessage, Severity: zapcore.ErrorLevel, Persist: true}
}

// AppError is a classified failure.
type AppError struct {
	Kind Kind
	Err  error
}

func (appError *AppError) Error() string {
	return appError.Kind.Disposition().Category + ": " + appError.Err.Error()
}

func (appError *AppError) Unwrap() error {
	return appError.Err
}

// Classify maps package sentinels onto the taxonomy. Lock failures wrap store failures,
// so ErrLock is checked first.
func Classify(err error) *AppError {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError
	}
	return &AppError{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) Kind {
	switch {
	case errors.Is(err, ErrMalformedSessionToken), errors.Is(err, sessionvalidator.ErrMissingCookie):
		return KindCookie
	case errors.Is(err, sessionstore.ErrSessionNotFound), errors.Is(err, reconcile.ErrProviderTokenExpired), errors.Is(err, sessionstore.ErrTokenNotFound):
		return KindSessionExpired
	case errors.Is(err, osuapi.ErrMissingScope):
		return KindMissingScope
	case errors.Is(err, osuapi.ErrProviderRejected):
		return KindProviderRejected
	case errors.Is(err, osuapi.ErrTransport):
		return KindProviderUnavailable
	case errors.Is(err, osuapi.ErrMalformedResponse), errors.Is(err, reconcile.ErrProfileMismatch):
		return KindProviderMalformed
	case errors.Is(err, userstore.ErrUserNotFound), errors.Is(err, osuapi.ErrProfileNotFound):
		return KindUserNotFound
	case errors.Is(err, userstore.ErrUserAlreadyExists):
		return KindUserAlreadyExists
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, userstore.ErrInvalidUpdate):
		return KindInvalidRequest
	case errors.Is(err, reconcile.ErrLock):
		return KindLock
	case errors.Is(err, sessionstore.ErrUnavailable), errors.Is(err, sessionstore.ErrCorruptValue):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// ErrorResponder renders classified errors, logs them and persists the ones flagged for it.
type ErrorResponder struct {
	logger   *zap.Logger
	recorder ErrorRecorder
}

// NewErrorResponder constructs a responder; recorder may be nil.
func NewErrorResponder(logger *zap.Logger, recorder ErrorRecorder) *ErrorResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorResponder{logger: logger, recorder: recorder}
}

// Observe logs and persists err, returning its classification.
func (responder *ErrorResponder) Observe(ctx context.Context, operation string, err error) *AppError {
	classified := Classify(err)
	disposition := classified.Kind.Disposition()
	fields := []zap.Field{
		zap.String("code", operation),
		zap.String("category", disposition.Category),
		zap.Error(err),
	}
	var providerErr *osuapi.ProviderError
	if errors.As(err, &providerErr) {
		fields = append(fields, zap.String("provider_op", providerErr.Op), zap.Int("provider_status", providerErr.StatusCode), zap.String("provider_body", providerErr.Body))
	}
	if checked := responder.logger.Check(disposition.Severity, "request failed"); checked != nil {
		checked.Write(fields...)
	}
	if disposition.Persist && responder.recorder != nil {
		entry := userstore.ErrorRecord{
			Category: disposition.Category,
			Code:     operation,
			Message:  err.Error(),
		}
		if providerErr != nil {
			entry.Data = map[string]interface{}{
				"provider_op":     providerErr.Op,
				"provider_status": providerErr.StatusCode,
			}
		}
		if recordErr := responder.recorder.RecordError(context.WithoutCancel(ctx), entry); recordErr != nil {
			responder.logger.Error("error record write failed", zap.String("code", "auth.error_record.write_failed"), zap.Error(recordErr))
		}
	}
	return classified
}

// Respond aborts the request with the JSON body for err.
func (responder *ErrorResponder) Respond(contextGin *gin.Context, operation string, err error) {
	classified := responder.Observe(contextGin.Request.Context(), operation, err)
	disposition := classified.Kind.Disposition()
	contextGin.AbortWithStatusJSON(disposition.Status, gin.H{
		"error":   disposition.Category,
		"message": disposition.Message,
	})
}
