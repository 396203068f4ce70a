package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/yourusername/minecraft-supervisor/internal/supervisor"
	"github.com/yourusername/minecraft-supervisor/internal/websocket"
)

type handler struct {
	ctrl    Controller
	perfSrc PerfSource
	hub     *websocket.Hub
}

func newHandler(ctrl Controller, perfSrc PerfSource, hub *websocket.Hub) *handler {
	return &handler{ctrl: ctrl, perfSrc: perfSrc, hub: hub}
}

// Health is a liveness endpoint for load balancers and monitors.
func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns the reconciled server state snapshot.
func (h *handler) Status(c *gin.Context) {
	snap := h.ctrl.State()
	c.JSON(http.StatusOK, gin.H{
		"status":             snap.Status,
		"running":            h.ctrl.IsRunning(),
		"shutting_down":      h.ctrl.IsShuttingDown(),
		"last_status_change": snap.LastStatusChange,
		"start_time":         snap.StartTime,
		"stop_time":          snap.StopTime,
		"uptime_seconds":     int(snap.Uptime.Seconds()),
		"motd":               snap.MOTD,
		"map":                snap.MapName,
		"players":            snap.NumPlayers,
		"max_players":        snap.MaxPlayers,
		"peak_players":       snap.PeakPlayers,
		"consecutive_errors": snap.ConsecutiveErrors,
		"crash_detected":     snap.CrashDetected,
	})
}

// BasicStats proxies a basic query probe. Probe failures are reported as
// an offline result, not an HTTP error.
func (h *handler) BasicStats(c *gin.Context) {
	stats, err := h.ctrl.BasicStats()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"online": false})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// FullStats proxies a full query probe.
func (h *handler) FullStats(c *gin.Context) {
	stats, err := h.ctrl.FullStats()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"online": false})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// PerfHistory returns the retained performance samples oldest-first.
func (h *handler) PerfHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"samples": h.perfSrc.History()})
}

// PerfLatest returns the most recent performance sample.
func (h *handler) PerfLatest(c *gin.Context) {
	sample, ok := h.perfSrc.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples yet"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// Connectivity probes each signal source once.
func (h *handler) Connectivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.CheckConnectivity())
}

// Start launches the server.
func (h *handler) Start(c *gin.Context) {
	if err := h.ctrl.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrStartPending) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server starting"})
}

// Stop shuts the server down.
func (h *handler) Stop(c *gin.Context) {
	if err := h.ctrl.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server stopped"})
}

// Restart stops then starts the server.
func (h *handler) Restart(c *gin.Context) {
	if err := h.ctrl.Restart(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server restarting"})
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

// Command executes one admin command on the running server.
func (h *handler) Command(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	output, err := h.ctrl.SendCommand(req.Command)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrServerNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

type settings struct {
	InactivityTimeout *int  `json:"inactivity_timeout_minutes,omitempty"`
	WakeOnDemand      *bool `json:"wake_on_demand,omitempty"`
	AutoRestart       *bool `json:"auto_restart,omitempty"`
}

// GetSettings returns the runtime-adjustable settings.
func (h *handler) GetSettings(c *gin.Context) {
	inactivity := h.ctrl.InactivityTimeout()
	wake := h.ctrl.IsWakeOnDemandEnabled()
	c.JSON(http.StatusOK, gin.H{
		"inactivity_timeout_minutes": inactivity,
		"wake_on_demand":             wake,
	})
}

// UpdateSettings applies the provided settings; absent fields keep their
// current values.
func (h *handler) UpdateSettings(c *gin.Context) {
	var req settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}

	if req.InactivityTimeout != nil {
		if *req.InactivityTimeout < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "inactivity timeout must not be negative"})
			return
		}
		h.ctrl.SetInactivityTimeout(*req.InactivityTimeout)
	}
	if req.WakeOnDemand != nil {
		h.ctrl.SetWakeOnDemandEnabled(*req.WakeOnDemand)
	}
	if req.AutoRestart != nil {
		h.ctrl.SetAutoRestart(*req.AutoRestart)
	}

	h.GetSettings(c)
}

// ResetState forces the state machine back to a clean offline baseline.
func (h *handler) ResetState(c *gin.Context) {
	h.ctrl.ResetState()
	c.JSON(http.StatusOK, gin.H{"message": "State reset"})
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same origin; no cross-origin sockets.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket upgrades the connection and attaches it to the event hub.
func (h *handler) WebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade failed: %v", err)
		return
	}

	client := &websocket.Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan *websocket.Message, 64),
		Hub:  h.hub,
	}
	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
