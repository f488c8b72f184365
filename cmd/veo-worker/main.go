// veo-worker is the detached per-job generation process. It is spawned by
// veo-mcp, never run by hand: the server passes the job id and state
// directory so the worker can locate and update its own record, and the API
// credential arrives through the environment rather than the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"veomcp/internal/infra"
	"veomcp/internal/job"
	"veomcp/internal/providers/veo"
	"veomcp/internal/worker"
)

func main() {
	var (
		sessionID        = flag.String("session-id", "", "generation session ID (required)")
		stateDir         = flag.String("state-dir", "", "state directory path (required)")
		prompt           = flag.String("prompt", "", "text prompt for generation")
		model            = flag.String("model", "", "Veo model (defaults to VEO_MODEL)")
		aspectRatio      = flag.String("aspect-ratio", "16:9", "video aspect ratio")
		negativePrompt   = flag.String("negative-prompt", "", "elements to avoid")
		personGeneration = flag.String("person-generation", "allow_adult", "person generation policy")
		resolution       = flag.String("resolution", "", "video resolution")
		numberOfVideos   = flag.Int("number-of-videos", 1, "number of video variations")
		durationSeconds  = flag.Int("duration-seconds", 0, "video duration in seconds")
		seed             = flag.Int("seed", -1, "seed for reproducible generation (negative means unset)")
		imagePath        = flag.String("image-path", "", "input image for image-to-video")
		enhancePrompt    = flag.Bool("enhance-prompt", false, "let the model enhance the prompt")
		generateAudio    = flag.Bool("generate-audio", false, "generate audio for the video")
		outputGCSURI     = flag.String("output-gcs-uri", "", "GCS URI for remote output storage")
		fps              = flag.Int("fps", 0, "frames per second (0 means model default)")
	)
	flag.Parse()

	logger := infra.NewLogger(os.Getenv("APP_ENV"))

	if *sessionID == "" || *stateDir == "" {
		fmt.Fprintln(os.Stderr, "veo-worker: --session-id and --state-dir are required")
		os.Exit(2)
	}

	store, err := job.NewStore(*stateDir)
	if err != nil {
		logger.Error().Err(err).Msg("worker: open state store")
		os.Exit(1)
	}

	// Configuration faults after this point still get one best-effort
	// state write so the job never looks alive forever.
	cfg, err := infra.LoadConfig()
	if err != nil {
		writeStartupFailure(store, *sessionID, fmt.Errorf("load configuration: %w", err))
		logger.Error().Err(err).Msg("worker: load configuration")
		os.Exit(1)
	}

	modelToUse := *model
	if modelToUse == "" {
		modelToUse = cfg.VeoModel
	}

	client, err := veo.NewClient(veo.Options{
		APIKey:       cfg.GeminiAPIKey,
		BaseURL:      cfg.GeminiBaseURL,
		Model:        modelToUse,
		Logger:       &logger,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
	})
	if err != nil {
		writeStartupFailure(store, *sessionID, fmt.Errorf("configure veo client: %w", err))
		logger.Error().Err(err).Msg("worker: configure veo client")
		os.Exit(1)
	}

	runner := worker.NewRunner(*sessionID, store, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Best-effort graceful shutdown: record the cancellation before dying.
	// A SIGKILL from the supervisor's escalation path bypasses this; the
	// server heals such records on the next status read.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("worker: interrupted")
		runner.Cancelled("generation interrupted by signal")
		os.Exit(0)
	}()

	params := job.Params{
		Prompt:           *prompt,
		Model:            modelToUse,
		AspectRatio:      *aspectRatio,
		NegativePrompt:   *negativePrompt,
		PersonGeneration: *personGeneration,
		Resolution:       *resolution,
		NumberOfVideos:   *numberOfVideos,
		DurationSeconds:  *durationSeconds,
		EnhancePrompt:    *enhancePrompt,
		GenerateAudio:    *generateAudio,
		OutputGCSURI:     *outputGCSURI,
		ImagePath:        *imagePath,
	}
	if *seed >= 0 {
		params.Seed = seed
	}
	if *fps > 0 {
		params.FPS = fps
	}

	if err := runner.Run(ctx, params); err != nil {
		os.Exit(1)
	}
}

func writeStartupFailure(store *job.Store, id string, cause error) {
	_, _ = store.Update(id, func(r *job.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = job.StatusFailed
		r.Error = cause.Error()
	})
}
