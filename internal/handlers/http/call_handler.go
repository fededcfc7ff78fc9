package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/logger"
	"callcore/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit     = 20
	maxHistoryLimit         = 100
	maxConversationIDLength = 128
)

// CallHandler exposes the call controller over HTTP.
type CallHandler struct {
	calls   ports.CallController
	history ports.CallHistoryRepository
}

func NewCallHandler(calls ports.CallController, history ports.CallHistoryRepository) *CallHandler {
	return &CallHandler{
		calls:   calls,
		history: history,
	}
}

func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	calls := api.Group("/calls")
	{
		calls.POST("", h.StartCall)
		calls.POST("/accept", h.Accept)
		calls.POST("/reject", h.Reject)
		calls.POST("/hangup", h.Hangup)
		calls.POST("/media", h.SetMedia)
		calls.GET("/current", h.Current)
	}
	api.GET("/history", h.History)
	api.GET("/history/:call_id", h.GetCall)
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req ports.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidatePeerID(string(req.CalleeID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateMediaKind(req.MediaKind); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStringLength(req.ConversationID, 0, maxConversationIDLength, "conversation id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	for _, extra := range req.ExtraReceiverIDs {
		if err := validation.ValidatePeerID(string(extra)); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	callID, err := h.calls.StartCall(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.Request = c.Request.WithContext(logger.WithCallID(c.Request.Context(), callID))
	c.JSON(http.StatusCreated, gin.H{
		"call_id": callID,
		"call":    h.calls.Snapshot(),
	})
}

func (h *CallHandler) Accept(c *gin.Context) {
	h.intent(c, h.calls.Accept)
}

func (h *CallHandler) Reject(c *gin.Context) {
	h.intent(c, h.calls.Reject)
}

func (h *CallHandler) Hangup(c *gin.Context) {
	h.intent(c, h.calls.Hangup)
}

func (h *CallHandler) intent(c *gin.Context, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.calls.Snapshot()})
}

type mediaRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

func (h *CallHandler) SetMedia(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Audio == nil && req.Video == nil) {
		c.Error(apperrors.NewInvalidInputError("audio or video toggle required"))
		return
	}
	if req.Audio != nil {
		if err := h.calls.SetAudioEnabled(*req.Audio); err != nil {
			c.Error(err)
			return
		}
	}
	if req.Video != nil {
		if err := h.calls.SetVideoEnabled(*req.Video); err != nil {
			c.Error(err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"call": h.calls.Snapshot()})
}

func (h *CallHandler) Current(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"call": h.calls.Snapshot()})
}

func (h *CallHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(apperrors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, apperrors.CategoryInternal, "call history unavailable"))
		return
	}
	if records == nil {
		records = []*domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"calls": records,
		"count": len(records),
	})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	id := c.Param("call_id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	record, err := h.history.GetByID(c.Request.Context(), domain.CallID(id))
	if errors.Is(err, domain.ErrCallNotFound) {
		c.Error(apperrors.NewNotFoundError("call " + id))
		return
	}
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, apperrors.CategoryInternal, "call history unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": record})
}
