package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/middleware"
	"github.com/xxxsen/rvcd/internal/params"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
	"github.com/xxxsen/rvcd/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
	)
	switch appErr.KindOf(err) {
	case appErr.ErrInternal, appErr.ErrModelLoadFailed, appErr.ErrSeparationFailed, appErr.ErrOutputMissing:
		logger.Error("request failed", zap.Error(err))
	default:
		logger.Warn("request rejected", zap.Error(err))
	}
	response.FromError(c, err)
}

func bindJSON(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return appErr.Wrap(appErr.ErrInvalid, err, "invalid request body")
	}
	return nil
}

// decodeAudio accepts standard or URL-safe base64, padded or not, and an
// optional data URI prefix.
func decodeAudio(payload string, limit int64) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if idx := strings.Index(payload, ";base64,"); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+len(";base64,"):]
	}
	if payload == "" {
		return nil, appErr.New(appErr.ErrInvalidAudio, "audio_base64 is empty")
	}
	if limit > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > limit+2 {
		return nil, appErr.Newf(appErr.ErrInvalidAudio, "audio exceeds %s", humanize.IBytes(uint64(limit)))
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(payload); err == nil {
			return data, nil
		}
	}
	return nil, appErr.New(appErr.ErrInvalidAudio, "audio_base64 is not valid base64")
}

func encodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// parseParams overlays raw onto the built-in defaults. Absent or null raw
// means the request carries no parameters.
func parseParams(raw json.RawMessage) (*params.ParameterSet, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}
	set := params.Default()
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, appErr.Wrap(appErr.ErrInvalidParameters, err, fmt.Sprintf("decode params: %v", err))
	}
	return &set, nil
}
