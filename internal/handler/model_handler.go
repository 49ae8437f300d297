package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/inference"
	"github.com/xxxsen/rvcd/internal/pkg/response"
)

type ModelHandler struct {
	rt *inference.Runtime
}

func NewModelHandler(rt *inference.Runtime) *ModelHandler {
	return &ModelHandler{rt: rt}
}

func (h *ModelHandler) List(c *gin.Context) {
	models, err := h.rt.Models(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"models": models, "count": len(models)})
}

// Load warms the cache with one model.
func (h *ModelHandler) Load(c *gin.Context) {
	model, err := h.rt.Warm(c.Request.Context(), c.Param("name"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"status":     "loaded",
		"model":      model,
		"cache_size": h.rt.Cache().Size(),
	})
}
