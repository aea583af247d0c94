package httpserver

import (
	"context"
	"net/http"
	"time"

	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/queue"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Scheduler is the coordinator surface the API drives.
type Scheduler interface {
	ScheduleFetch(ctx context.Context, user model.User) error
	CancelUser(ctx context.Context, userID string) error
	Registrations(ctx context.Context, userID string) ([]queue.RepeatableJob, error)
}

type UserHandler struct {
	scheduler Scheduler
	logger    *zap.Logger
}

func NewUserHandler(scheduler Scheduler, logger *zap.Logger) *UserHandler {
	return &UserHandler{scheduler: scheduler, logger: logger}
}

type scheduleRequest struct {
	ID           string         `json:"id" binding:"required"`
	DisplayName  string         `json:"displayName"`
	Email        string         `json:"email" binding:"required"`
	Provider     model.Provider `json:"provider"`
	AccessToken  string         `json:"accessToken" binding:"required"`
	RefreshToken string         `json:"refreshToken"`
	TokenExpiry  *time.Time     `json:"tokenExpiry"`
}

type registrationView struct {
	Key     string    `json:"key"`
	Every   string    `json:"every,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	Next    time.Time `json:"next"`
}

// Schedule handles POST /v1/users/schedule, the "user authenticated" trigger.
// Scheduling failures are logged and reported as scheduled=false; the caller's
// login flow never fails because of them.
func (h *UserHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider == "" {
		req.Provider = model.ProviderGoogle
	}

	user := model.User{
		ID:           req.ID,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		Provider:     req.Provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.TokenExpiry,
	}

	ctx := c.Request.Context()
	if err := h.scheduler.ScheduleFetch(ctx, user); err != nil {
		logger.WithTrace(ctx, h.logger).Warn("Trigger accepted but fetch was not scheduled",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, gin.H{"userId": user.ID, "scheduled": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"userId": user.ID, "scheduled": true})
}

// Cancel handles DELETE /v1/users/:id/jobs (logout).
func (h *UserHandler) Cancel(c *gin.Context) {
	userID := c.Param("id")
	ctx := c.Request.Context()
	if err := h.scheduler.CancelUser(ctx, userID); err != nil {
		logger.WithTrace(ctx, h.logger).Warn("Logout accepted but jobs were not removed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, gin.H{"userId": userID, "cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "cancelled": true})
}

// List handles GET /v1/users/:id/jobs.
func (h *UserHandler) List(c *gin.Context) {
	userID := c.Param("id")
	regs, err := h.scheduler.Registrations(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list registrations", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	out := make([]registrationView, 0, len(regs))
	for _, r := range regs {
		v := registrationView{Key: r.Key, Pattern: r.Pattern, Next: r.Next}
		if r.Every > 0 {
			v.Every = r.Every.String()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "jobs": out})
}
