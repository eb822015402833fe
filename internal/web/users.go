package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mapperinfluence/miauth/internal/authkit"
	"github.com/mapperinfluence/miauth/internal/userstore"
	"github.com/mapperinfluence/miauth/pkg/sessionvalidator"
)

// UserReader is the durable store behind /user/get and /user/update.
type UserReader interface {
	GetUser(ctx context.Context, userID int64) (userstore.User, error)
	UpdateProfile(ctx context.Context, userID int64, update userstore.ProfileUpdate) error
}

// Reconciler serves reads that may materialize or refresh a user.
type Reconciler interface {
	FullUser(ctx context.Context, requesterID int64, targetID int64) (userstore.FullUser, error)
	CreateUser(ctx context.Context, requesterID int64, targetID int64) (userstore.FullUser, error)
}

// UserHandlers serves the /api/v1/user endpoints for an authenticated session.
type UserHandlers struct {
	users      UserReader
	reconciler Reconciler
	responder  *authkit.ErrorResponder
	logger     *zap.Logger
}

// NewUserHandlers wires the user endpoints.
func NewUserHandlers(users UserReader, reconciler Reconciler, responder *authkit.ErrorResponder, logger *zap.Logger) *UserHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil || reconciler == nil {
		panic("user store and reconciler are required")
	}
	if responder == nil {
		responder = authkit.NewErrorResponder(logger, nil)
	}
	return &UserHandlers{users: users, reconciler: reconciler, responder: responder, logger: logger}
}

// Mount registers the endpoints on a group already guarded by authkit.RequireSession.
func (handlers *UserHandlers) Mount(router gin.IRouter) {
	group := router.Group("/api/v1/user")
	group.GET("/get", handlers.handleGet)
	group.GET("/full", handlers.handleFull)
	group.POST("/create", handlers.handleCreate)
	group.POST("/update", handlers.handleUpdate)
}

func (handlers *UserHandlers) handleGet(contextGin *gin.Context) {
	requesterID, targetID, ok := handlers.resolveTarget(contextGin, "api.user.get")
	if !ok {
		return
	}
	user, err := handlers.users.GetUser(contextGin.Request.Context(), targetID)
	if err != nil {
		handlers.responder.Respond(contextGin, "api.user.get", err)
		return
	}
	handlers.logger.Debug("user read",
		zap.String("code", "api.user.get"),
		zap.Int64("requester_id", requesterID),
		zap.Int64("user_id", targetID))
	contextGin.JSON(http.StatusOK, user)
}

func (handlers *UserHandlers) handleFull(contextGin *gin.Context) {
	requesterID, targetID, ok := handlers.resolveTarget(contextGin, "api.user.full")
	if !ok {
		return
	}
	fullUser, err := handlers.reconciler.FullUser(contextGin.Request.Context(), requesterID, targetID)
	if err != nil {
		handlers.responder.Respond(contextGin, "api.user.full", err)
		return
	}
	contextGin.JSON(http.StatusOK, fullUser)
}

func (handlers *UserHandlers) handleCreate(contextGin *gin.Context) {
	requesterID, ok := handlers.requester(contextGin, "api.user.create")
	if !ok {
		return
	}
	var inbound struct {
		UserID int64 `json:"user_id"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.UserID <= 0 {
		handlers.responder.Respond(contextGin, "api.user.create", fmt.Errorf("api.user.create: %w", authkit.ErrInvalidRequest))
		return
	}
	fullUser, err := handlers.reconciler.CreateUser(contextGin.Request.Context(), requesterID, inbound.UserID)
	if err != nil {
		handlers.responder.Respond(contextGin, "api.user.create", err)
		return
	}
	contextGin.JSON(http.StatusOK, fullUser)
}

func (handlers *UserHandlers) handleUpdate(contextGin *gin.Context) {
	requesterID, ok := handlers.requester(contextGin, "api.user.update")
	if !ok {
		return
	}
	var update userstore.ProfileUpdate
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		handlers.responder.Respond(contextGin, "api.user.update", fmt.Errorf("api.user.update: %w: %w", authkit.ErrInvalidRequest, err))
		return
	}
	if err := handlers.users.UpdateProfile(contextGin.Request.Context(), requesterID, update); err != nil {
		handlers.responder.Respond(contextGin, "api.user.update", err)
		return
	}
	handlers.logger.Info("profile updated",
		zap.String("code", "api.user.update"),
		zap.Int64("user_id", requesterID))
	contextGin.Status(http.StatusNoContent)
}

func (handlers *UserHandlers) requester(contextGin *gin.Context, operation string) (int64, bool) {
	requesterID, ok := sessionvalidator.UserID(contextGin)
	if !ok {
		handlers.responder.Respond(contextGin, operation, sessionvalidator.ErrMissingCookie)
		return 0, false
	}
	return requesterID, true
}

// resolveTarget reads ?user_id=, defaulting to the requester.
func (handlers *UserHandlers) resolveTarget(contextGin *gin.Context, operation string) (int64, int64, bool) {
	requesterID, ok := handlers.requester(contextGin, operation)
	if !ok {
		return 0, 0, false
	}
	raw := strings.TrimSpace(contextGin.Query("user_id"))
	if raw == "" {
		return requesterID, requesterID, true
	}
	targetID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || targetID <= 0 {
		handlers.responder.Respond(contextGin, operation, fmt.Errorf("%s: user_id %q: %w", operation, raw, authkit.ErrInvalidRequest))
		return 0, 0, false
	}
	return requesterID, targetID, true
}
