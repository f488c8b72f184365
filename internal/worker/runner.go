package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"veomcp/internal/infra"
	"veomcp/internal/job"
	"veomcp/internal/providers/veo"
)

// Generator is the slice of the Veo client the runner needs. Tests inject a
// fake so the whole state-reporting flow can be exercised offline.
type Generator interface {
	StartGeneration(ctx context.Context, req veo.StartRequest) (string, error)
	PollUntilDone(ctx context.Context, name string, progress func(elapsed time.Duration)) (*veo.Operation, error)
}

// Runner drives one generation inside the detached worker process and owns
// the state-reporting contract: every phase change and the final outcome
// are written into the job record through the store's atomic-write path.
type Runner struct {
	jobID  string
	store  *job.Store
	gen    Generator
	logger infra.Logger
}

// NewRunner builds a Runner for one job.
func NewRunner(jobID string, store *job.Store, gen Generator, logger infra.Logger) *Runner {
	return &Runner{jobID: jobID, store: store, gen: gen, logger: logger}
}

// Run executes the generation workflow: generating → polling → completed,
// or failed with the error recorded. The returned error mirrors what was
// written into the record.
func (r *Runner) Run(ctx context.Context, params job.Params) error {
	r.update(func(rec *job.Record) {
		rec.Status = job.StatusGenerating
		rec.Progress = "starting video generation"
		rec.Error = ""
	})

	req := veo.StartRequest{
		Prompt: params.Prompt,
		Model:  params.Model,
		Config: veo.GenerationConfig{
			AspectRatio:      params.AspectRatio,
			NegativePrompt:   params.NegativePrompt,
			PersonGeneration: params.PersonGeneration,
			Resolution:       params.Resolution,
			NumberOfVideos:   params.NumberOfVideos,
			DurationSeconds:  params.DurationSeconds,
			Seed:             params.Seed,
			EnhancePrompt:    params.EnhancePrompt,
			GenerateAudio:    params.GenerateAudio,
			OutputGCSURI:     params.OutputGCSURI,
			FPS:              params.FPS,
		},
	}

	if params.ImagePath != "" {
		data, err := os.ReadFile(params.ImagePath)
		if err != nil {
			return r.fail(fmt.Errorf("load input image: %w", err))
		}
		req.ImageBytes = data
		req.ImageMIMEType = mimeForImage(params.ImagePath)
	}

	name, err := r.gen.StartGeneration(ctx, req)
	if err != nil {
		return r.fail(fmt.Errorf("start video generation: %w", err))
	}

	r.update(func(rec *job.Record) {
		rec.Status = job.StatusPolling
		rec.Progress = "video generation started, polling for completion"
	})

	op, err := r.gen.PollUntilDone(ctx, name, func(elapsed time.Duration) {
		r.update(func(rec *job.Record) {
			rec.Progress = fmt.Sprintf("waiting for completion... (%ds elapsed)", int(elapsed.Seconds()))
		})
	})
	if err != nil {
		return r.fail(err)
	}
	if len(op.Videos) == 0 {
		return r.fail(fmt.Errorf("no videos generated"))
	}

	videos := make([]job.Video, 0, len(op.Videos))
	for _, v := range op.Videos {
		videos = append(videos, job.Video{Index: v.Index, URI: v.URI, MIMEType: v.MIMEType})
	}
	r.update(func(rec *job.Record) {
		rec.Status = job.StatusCompleted
		rec.Progress = "generation completed"
		rec.Videos = videos
	})

	r.logger.Info().Str("job_id", r.jobID).Int("videos", len(videos)).Msg("worker: generation completed")
	return nil
}

// Fail records a terminal failure. Exposed so the process entry point can
// report startup faults (bad flags, missing credentials) into the record
// before exiting.
func (r *Runner) Fail(err error) {
	_ = r.fail(err)
}

// Cancelled records the terminal cancelled state; called from the signal
// handler as the best-effort last write before exit.
func (r *Runner) Cancelled(reason string) {
	r.update(func(rec *job.Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = job.StatusCancelled
		rec.Error = reason
	})
}

func (r *Runner) fail(err error) error {
	r.logger.Error().Err(err).Str("job_id", r.jobID).Msg("worker: generation failed")
	r.update(func(rec *job.Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = job.StatusFailed
		rec.Error = err.Error()
	})
	return err
}

// update applies a record mutation, logging rather than propagating store
// errors: a failed progress write must not kill a generation in flight.
func (r *Runner) update(mutate func(*job.Record)) {
	if _, err := r.store.Update(r.jobID, mutate); err != nil {
		r.logger.Error().Err(err).Str("job_id", r.jobID).Msg("worker: update state")
	}
}

func mimeForImage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
