package api

import (
	"github.com/gin-gonic/gin"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/perf"
	"github.com/yourusername/minecraft-supervisor/internal/query"
	"github.com/yourusername/minecraft-supervisor/internal/state"
	"github.com/yourusername/minecraft-supervisor/internal/supervisor"
	"github.com/yourusername/minecraft-supervisor/internal/websocket"
)

// Controller is the supervisor surface the HTTP layer drives.
type Controller interface {
	Start() error
	Stop() error
	Restart() error
	SendCommand(command string) (string, error)
	BasicStats() (query.Stats, error)
	FullStats() (query.Stats, error)
	State() state.Snapshot
	IsRunning() bool
	IsShuttingDown() bool
	SetInactivityTimeout(minutes int)
	InactivityTimeout() int
	SetWakeOnDemandEnabled(enabled bool)
	IsWakeOnDemandEnabled() bool
	SetAutoRestart(enabled bool)
	CheckConnectivity() supervisor.Connectivity
	ResetState()
}

// PerfSource exposes the sampler's history to the HTTP layer.
type PerfSource interface {
	History() []perf.Sample
	Latest() (perf.Sample, bool)
}

// SetupRouter configures and returns the HTTP router.
func SetupRouter(cfg *config.Config, ctrl Controller, perfSrc PerfSource, hub *websocket.Hub) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(Logger())

	h := newHandler(ctrl, perfSrc, hub)

	router.GET("/health", h.Health)
	router.GET("/ws", h.WebSocket)

	api := router.Group("/api")
	{
		api.GET("/status", h.Status)
		api.GET("/stats/basic", h.BasicStats)
		api.GET("/stats/full", h.FullStats)
		api.GET("/perf", h.PerfHistory)
		api.GET("/perf/latest", h.PerfLatest)
		api.GET("/connectivity", h.Connectivity)
		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)

		api.POST("/start", h.Start)
		api.POST("/stop", h.Stop)
		api.POST("/restart", h.Restart)
		api.POST("/command", h.Command)
		api.POST("/state/reset", h.ResetState)
	}

	return router
}
