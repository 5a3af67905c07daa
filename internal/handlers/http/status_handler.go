package http

import (
	"net/http"
	"strconv"
	"time"

	"roomlink/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusHandler serves read-only ops endpoints. None of them mutate state.
type StatusHandler struct {
	status    ports.StatusProvider
	readiness ports.ReadinessChecker
	stats     ports.StatsReader
	events    ports.RoomEventReader
	gatherer  prometheus.Gatherer
}

var _ ports.StatusHTTPHandler = (*StatusHandler)(nil)

// NewStatusHandler builds the handler. stats, events and gatherer may be nil,
// which disables /stats/latest and /stats/history, /events and /metrics.
func NewStatusHandler(
	status ports.StatusProvider,
	readiness ports.ReadinessChecker,
	stats ports.StatsReader,
	events ports.RoomEventReader,
	gatherer prometheus.Gatherer,
) *StatusHandler {
	return &StatusHandler{
		status:    status,
		readiness: readiness,
		stats:     stats,
		events:    events,
		gatherer:  gatherer,
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/stats", h.Stats)
	router.GET("/quality", h.Quality)
	router.GET("/rooms", h.Rooms)
	if h.stats != nil {
		router.GET("/stats/latest", h.LatestStats)
		router.GET("/stats/history", h.StatsHistory)
	}
	if h.events != nil {
		router.GET("/events", h.Events)
	}
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Health is 200 while at least one pooled connection is Connected.
func (h *StatusHandler) Health(c *gin.Context) {
	healthy := h.status.HealthyConnections()
	code, status := http.StatusOK, "healthy"
	if healthy == 0 {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":              status,
		"healthy_connections": healthy,
		"timestamp":           time.Now(),
	})
}

func (h *StatusHandler) Ready(c *gin.Context) {
	if h.readiness == nil || h.readiness.IsReady(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
}

func (h *StatusHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.GetPerformanceStats())
}

// LatestStats returns the last persisted snapshot, which may come from
// another instance when the store is shared.
func (h *StatusHandler) LatestStats(c *gin.Context) {
	stats, err := h.stats.Latest(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot saved yet"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// queryLimit parses ?limit=. Absent means 0, which readers treat as no limit.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

// StatsHistory returns persisted snapshots, newest first.
func (h *StatusHandler) StatsHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	history, err := h.stats.History(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots": history,
		"count":     len(history),
	})
}

// Events returns recent room events, oldest first. With ?limit=N only the
// newest N are returned.
func (h *StatusHandler) Events(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events := h.events.Recent()
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *StatusHandler) Quality(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.MonitorConnectionQuality())
}

func (h *StatusHandler) Rooms(c *gin.Context) {
	rooms := h.status.ActiveRooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}
