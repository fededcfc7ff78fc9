package http

import (
	"context"
	"net/http"

	apperrors "callcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

type HistoryArchiver interface {
	ArchiveNow(ctx context.Context) (string, error)
}

// ArchiveHandler triggers an out-of-schedule history snapshot.
type ArchiveHandler struct {
	archiver HistoryArchiver
}

func NewArchiveHandler(archiver HistoryArchiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

func (h *ArchiveHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/history/archive", h.Archive)
}

func (h *ArchiveHandler) Archive(c *gin.Context) {
	name, err := h.archiver.ArchiveNow(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, apperrors.CategoryInternal, "history archive failed"))
		return
	}
	if name == "" {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": name})
}
