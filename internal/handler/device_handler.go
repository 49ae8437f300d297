package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/inference"
	"github.com/xxxsen/rvcd/internal/pkg/response"
)

const defaultDevice = "cuda:0"

type DeviceHandler struct {
	rt *inference.Runtime
}

func NewDeviceHandler(rt *inference.Runtime) *DeviceHandler {
	return &DeviceHandler{rt: rt}
}

type setDeviceRequest struct {
	Device string `json:"device"`
}

// SetDevice takes the device from the JSON body or the "device" query
// parameter.
func (h *DeviceHandler) SetDevice(c *gin.Context) {
	var req setDeviceRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			handleError(c, err)
			return
		}
	}
	if req.Device == "" {
		req.Device = c.DefaultQuery("device", defaultDevice)
	}
	spec, err := h.rt.SelectDevice(c.Request.Context(), req.Device)
	if err != nil {
		handleError(c, err)
		return
	}
	status := h.rt.Status()
	response.Success(c, gin.H{
		"status":         "device_set",
		"device":         spec.String(),
		"cuda_available": status.CUDAAvailable,
		"device_count":   status.DeviceCount,
		"cache_size":     status.CacheSize,
	})
}
