package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/audio"
	"github.com/xxxsen/rvcd/internal/pipeline"
	"github.com/xxxsen/rvcd/internal/pkg/response"
	"github.com/xxxsen/rvcd/internal/separator"
)

type ConvertHandler struct {
	pipe          *pipeline.Pipeline
	maxAudioBytes int64
}

func NewConvertHandler(pipe *pipeline.Pipeline, maxAudioBytes int64) *ConvertHandler {
	return &ConvertHandler{pipe: pipe, maxAudioBytes: maxAudioBytes}
}

type convertRequest struct {
	AudioBase64 string          `json:"audio_base64"`
	ModelName   string          `json:"model_name" binding:"required"`
	Params      json.RawMessage `json:"params"`
}

func (h *ConvertHandler) Convert(c *gin.Context) {
	var req convertRequest
	if err := bindJSON(c, &req); err != nil {
		handleError(c, err)
		return
	}
	data, err := decodeAudio(req.AudioBase64, h.maxAudioBytes)
	if err != nil {
		handleError(c, err)
		return
	}
	if _, err := audio.Inspect(data); err != nil {
		handleError(c, err)
		return
	}
	set, err := parseParams(req.Params)
	if err != nil {
		handleError(c, err)
		return
	}
	res, err := h.pipe.Convert(c.Request.Context(), data, req.ModelName, set)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"status":        "converted",
		"audio_base64":  encodeAudio(res.Audio),
		"model":         res.Model,
		"params_used":   res.Params,
		"params_source": res.Source,
		"sample_rate":   res.Format.SampleRate,
		"channels":      res.Format.Channels,
	})
}

type separateRequest struct {
	AudioBase64 string   `json:"audio_base64"`
	Model       string   `json:"model"`
	Shifts      *int     `json:"shifts"`
	Overlap     *float64 `json:"overlap"`
}

func (h *ConvertHandler) Separate(c *gin.Context) {
	var req separateRequest
	if err := bindJSON(c, &req); err != nil {
		handleError(c, err)
		return
	}
	data, err := decodeAudio(req.AudioBase64, h.maxAudioBytes)
	if err != nil {
		handleError(c, err)
		return
	}
	sep := pipeline.SeparateRequest{Model: req.Model, Shifts: separator.DefaultShifts, Overlap: separator.DefaultOverlap}
	if req.Shifts != nil {
		sep.Shifts = *req.Shifts
	}
	if req.Overlap != nil {
		sep.Overlap = *req.Overlap
	}
	res, err := h.pipe.Separate(c.Request.Context(), data, sep)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"status":              "separated",
		"vocals_base64":       encodeAudio(res.Vocals),
		"instrumental_base64": encodeAudio(res.Instrumental),
		"model":               res.Model,
	})
}
