package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/params"
	"github.com/xxxsen/rvcd/internal/pkg/response"
)

type ParamsHandler struct {
	defaults *params.DefaultsStore
}

func NewParamsHandler(defaults *params.DefaultsStore) *ParamsHandler {
	return &ParamsHandler{defaults: defaults}
}

func (h *ParamsHandler) Get(c *gin.Context) {
	response.Success(c, h.defaults.Get())
}

// Set replaces the defaults used by requests without parameters. Omitted
// fields take their built-in values.
func (h *ParamsHandler) Set(c *gin.Context) {
	set := params.Default()
	if err := bindJSON(c, &set); err != nil {
		handleError(c, err)
		return
	}
	if err := h.defaults.Set(set); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"status": "parameters_set", "params": set})
}
