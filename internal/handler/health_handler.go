package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/inference"
	"github.com/xxxsen/rvcd/internal/pkg/response"
	"github.com/xxxsen/rvcd/internal/schedule"
)

type jobLister interface {
	Entries() []schedule.EntryInfo
}

type HealthHandler struct {
	rt      *inference.Runtime
	jobs    jobLister
	service string
	version string
}

// NewHealthHandler reports on rt. jobs may be nil when nothing is scheduled.
func NewHealthHandler(rt *inference.Runtime, jobs jobLister, service, version string) *HealthHandler {
	return &HealthHandler{rt: rt, jobs: jobs, service: service, version: version}
}

func (h *HealthHandler) Health(c *gin.Context) {
	st := h.rt.Status()
	response.Success(c, gin.H{
		"status":         "healthy",
		"service":        h.service,
		"version":        h.version,
		"model_loaded":   st.CurrentModel != "",
		"current_model":  st.CurrentModel,
		"device":         st.Device,
		"cache_size":     st.CacheSize,
		"cache_capacity": st.CacheCapacity,
	})
}

type statusResponse struct {
	inference.Status
	Jobs []schedule.EntryInfo `json:"jobs"`
}

// Status reports every resident model, the gate counters and the
// maintenance jobs.
func (h *HealthHandler) Status(c *gin.Context) {
	resp := statusResponse{Status: h.rt.Status(), Jobs: []schedule.EntryInfo{}}
	if h.jobs != nil {
		resp.Jobs = h.jobs.Entries()
	}
	response.Success(c, resp)
}
