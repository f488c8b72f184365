package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"veomcp/internal/httpapi"
	"veomcp/internal/infra"
	"veomcp/internal/job"
	"veomcp/internal/proc"
	"veomcp/internal/providers/veo"
	"veomcp/internal/tools"
)

const serverVersion = "1.0.0"

const serverInstructions = `This server provides Google Veo video generation through MCP tools.

Video generation runs in detached background workers; a generation request
returns immediately with a session_id.

Available tools:
- veo_generate_video: start a text-to-video or image-to-video generation
- veo_check_generation: check a session's status
- veo_list_generations / veo_list_sessions: list sessions
- veo_cancel_generation: cancel a running session
- veo_download_video: download completed videos
- veo_cleanup_sessions: remove old session state

Note: videos are stored on Google's servers for a limited time. Download
them promptly to keep them.`

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	store, err := job.NewStore(cfg.StateDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize state store")
	}

	super := proc.NewSupervisor(proc.Options{
		WorkerBin: cfg.WorkerBin,
		LogDir:    store.LogDir(),
		WorkDir:   cfg.ConfigDir,
		Env:       []string{"GEMINI_API_KEY=" + cfg.GeminiAPIKey},
		Logger:    logger,
	})
	manager := job.NewManager(store, super, logger)

	veoClient, err := veo.NewClient(veo.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.VeoModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure veo client")
	}

	mcpServer := server.NewMCPServer("veo-mcp", serverVersion,
		server.WithInstructions(serverInstructions),
		server.WithLogging(),
		server.WithRecovery(),
	)
	tools.Register(mcpServer, tools.NewHandlers(cfg, manager, veoClient, logger))

	switch cfg.Transport {
	case "http":
		serveHTTP(cfg, mcpServer, logger)
	default:
		logger.Info().Str("worker_bin", filepath.Base(cfg.WorkerBin)).Msg("serving MCP over stdio")
		if err := server.ServeStdio(mcpServer); err != nil {
			logger.Fatal().Err(err).Msg("stdio server failed")
		}
	}
}

func serveHTTP(cfg *infra.Config, mcpServer *server.MCPServer, logger infra.Logger) {
	handler := server.NewStreamableHTTPServer(mcpServer)
	router := httpapi.NewRouter(handler, logger)
	srv := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("MCP listening on :%s", cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
