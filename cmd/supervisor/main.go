package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/yourusername/minecraft-supervisor/internal/api"
	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/logging"
	"github.com/yourusername/minecraft-supervisor/internal/perf"
	"github.com/yourusername/minecraft-supervisor/internal/process"
	"github.com/yourusername/minecraft-supervisor/internal/properties"
	"github.com/yourusername/minecraft-supervisor/internal/query"
	"github.com/yourusername/minecraft-supervisor/internal/rcon"
	"github.com/yourusername/minecraft-supervisor/internal/state"
	"github.com/yourusername/minecraft-supervisor/internal/supervisor"
	"github.com/yourusername/minecraft-supervisor/internal/wake"
	"github.com/yourusername/minecraft-supervisor/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	// Pull ports and credentials from server.properties where available;
	// the file is what the server itself actually honors.
	applyServerProperties(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize process manager
	procMgr := process.NewManager(&cfg.Server)
	defer procMgr.Shutdown()

	// Initialize protocol clients
	queryClient := query.NewClient(
		cfg.Query.Host,
		cfg.Query.Port,
		cfg.Query.TimeoutDuration(),
		cfg.Query.MaxRetries,
		cfg.Query.FailureCeiling,
		cfg.Query.BackoffCapDuration(),
	)
	rconClient := rcon.NewClient(
		cfg.Rcon.Host,
		cfg.Rcon.Port,
		cfg.Rcon.Password,
		cfg.Rcon.TimeoutDuration(),
		cfg.Rcon.MaxRetries,
	)

	// Initialize wake listener
	wakeListener := wake.NewListener(
		"",
		cfg.Server.Port,
		cfg.Wake.MOTD,
		cfg.Wake.ServerVersion,
		cfg.Wake.ProtocolVersion,
		cfg.Wake.MaxPlayers,
	)

	// Initialize state machine and supervisor
	stateMgr := state.NewManager(&cfg.Monitor, queryClient)
	sup := supervisor.New(cfg, procMgr, stateMgr, queryClient, rconClient, wakeListener)

	// Initialize WebSocket hub
	log.Println("Initializing WebSocket hub...")
	hub := websocket.NewHub()
	go hub.Run(ctx)
	bridgeEvents(sup, hub)

	// Start performance sampler
	sampler := perf.NewSampler(&cfg.Perf, procMgr.Pid)
	if cfg.Perf.Enabled {
		go sampler.Run(ctx)
		sampler.Sampled().Subscribe(func(s perf.Sample) {
			hub.Broadcast("perf", s)
		})
	}

	// Run the supervision loop
	go func() {
		if err := sup.Run(ctx); err != nil {
			log.Fatalf("Supervisor failed: %v", err)
		}
	}()

	log.Println("All supervisor components initialized successfully")

	// Set up HTTP server
	router := api.SetupRouter(cfg, sup, sampler, hub)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting control surface on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut everything down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	// Stops the game server too, escalating if it lingers.
	sup.Shutdown()
	cancel()

	log.Println("Supervisor exited")
}

// bridgeEvents forwards supervisor feeds into the browser event hub.
func bridgeEvents(sup *supervisor.Supervisor, hub *websocket.Hub) {
	sup.StatusChanged().Subscribe(func(snap state.Snapshot) {
		hub.Broadcast("status", snap)
	})
	sup.ServerOutput().Subscribe(func(line string) {
		hub.Broadcast("console", line)
	})
	sup.ServerError().Subscribe(func(line string) {
		hub.Broadcast("console_error", line)
	})
	sup.ServerCrashed().Subscribe(func(reason string) {
		hub.Broadcast("crash", reason)
	})
	sup.ConnectionDetected().Subscribe(func(addr net.Addr) {
		hub.Broadcast("wake", addr.String())
	})
}

// applyServerProperties overrides query/rcon settings with what the
// server's own properties file declares.
func applyServerProperties(cfg *config.Config) {
	if cfg.Server.PropertiesFile == "" {
		return
	}
	path := cfg.Server.PropertiesFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Server.WorkingDir, path)
	}

	props, err := properties.Load(path)
	if err != nil {
		log.Printf("Could not read %s: %v", path, err)
		return
	}
	if len(props.Keys()) == 0 {
		return
	}

	cfg.Server.Port = props.ServerPort()
	cfg.Query.Port = props.QueryPort()
	if props.RconEnabled() {
		cfg.Rcon.Port = props.RconPort()
		if pw := props.RconPassword(); pw != "" {
			cfg.Rcon.Password = pw
		}
	} else if cfg.Rcon.Enabled {
		log.Printf("Remote console disabled in %s, commands will use stdin", filepath.Base(path))
		cfg.Rcon.Enabled = false
	}
	log.Printf("Applied %s: port=%d query=%d rcon=%v", filepath.Base(path), cfg.Server.Port, cfg.Query.Port, cfg.Rcon.Enabled)
}

func setupLogging(cfg *config.Config) error {
	if cfg != nil && strings.TrimSpace(cfg.Logging.File) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return err
		}
	}
	_, err := logging.Init(cfg.Logging)
	return err
}
