package server

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
	"github.com/MarcoPoloResearchLab/marginalia/internal/documents"
	"github.com/MarcoPoloResearchLab/marginalia/internal/markers"
)

type codedError interface {
	Code() string
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, annotations.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrOverlappingAnchor), errors.Is(err, bridge.ErrProfileExists):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNoActiveProfile):
		return http.StatusForbidden
	case errors.Is(err, annotations.ErrInvalidPath),
		errors.Is(err, annotations.ErrInvalidProfile),
		errors.Is(err, bridge.ErrEmptySelection),
		errors.Is(err, bridge.ErrSelectionOutOfRange),
		errors.Is(err, markers.ErrPayloadDelimiter),
		errors.Is(err, documents.ErrOutsideWorkspace),
		errors.Is(err, documents.ErrReservedPath),
		errors.Is(err, documents.ErrNotText):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": http.StatusText(status)}
	if code := errorCode(err); code != "" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Error(err))
	} else {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}
