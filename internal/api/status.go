package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// StatusResponse describes the resilience configuration and the caller's quota
type StatusResponse struct {
	Service   string                                 `json:"service"`
	Version   string                                 `json:"version"`
	Retry     []resilience.PolicyDescriptor          `json:"retry"`
	RateLimit *ratelimit.Stats                       `json:"rate_limit,omitempty"`
	Quota     map[string][]ratelimit.CounterSnapshot `json:"quota,omitempty"`
}

// StatusHandler serves GET /api/v1/status
type StatusHandler struct {
	service         string
	version         string
	retriers        []*resilience.Retrier
	controller      *ratelimit.Controller
	classes         []string
	clientKeyHeader string
	now             func() time.Time
}

// NewStatusHandler creates a status handler
func NewStatusHandler(service, version string, retriers []*resilience.Retrier, controller *ratelimit.Controller, clientKeyHeader string) *StatusHandler {
	return &StatusHandler{
		service:         service,
		version:         version,
		retriers:        retriers,
		controller:      controller,
		classes:         []string{ratelimit.ClassStoryGeneration, ratelimit.ClassList, ratelimit.ClassHealth},
		clientKeyHeader: clientKeyHeader,
		now:             time.Now,
	}
}

// GetStatus reports retry policies, limiter stats and the caller's counters.
// Reading the counters does not consume quota.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	resp := StatusResponse{
		Service: h.service,
		Version: h.version,
		Retry:   make([]resilience.PolicyDescriptor, 0, len(h.retriers)),
	}
	for _, r := range h.retriers {
		resp.Retry = append(resp.Retry, r.Stats())
	}

	if h.controller != nil {
		stats := h.controller.Stats()
		resp.RateLimit = &stats
		resp.Quota = make(map[string][]ratelimit.CounterSnapshot, len(h.classes))

		client := ClientKey(c, h.clientKeyHeader)
		now := h.now()
		for _, class := range h.classes {
			snapshot, err := h.controller.Snapshot(c.Request.Context(), ratelimit.Key{Client: client, Class: class}, now)
			if err != nil {
				InternalErrorResponse(c, "Failed to read rate limit counters")
				return
			}
			resp.Quota[class] = snapshot
		}
	}

	SuccessResponse(c, resp)
}
