// Package tools binds the job manager to the MCP tool surface. Handlers
// return structured JSON payloads; domain failures (unknown session, job in
// the wrong state) travel inside the payload as an error field rather than
// as protocol faults, so clients can branch on them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"veomcp/internal/infra"
	"veomcp/internal/job"
	"veomcp/internal/providers/veo"
	"veomcp/internal/storage"
)

// Downloader is the slice of the Veo client the download tool needs.
type Downloader interface {
	Download(ctx context.Context, fileID, destPath string) (int64, error)
}

// Handlers carries the dependencies shared by all video tools.
type Handlers struct {
	cfg    *infra.Config
	mgr    *job.Manager
	dl     Downloader
	logger infra.Logger
}

// NewHandlers wires the tool handlers.
func NewHandlers(cfg *infra.Config, mgr *job.Manager, dl Downloader, logger infra.Logger) *Handlers {
	return &Handlers{cfg: cfg, mgr: mgr, dl: dl, logger: logger}
}

// Register adds all video generation tools to the MCP server.
func Register(s *server.MCPServer, h *Handlers) {
	s.AddTool(mcp.NewTool("veo_generate_video",
		mcp.WithDescription("Generate videos with Google's Veo models. Starts a detached background worker and returns immediately; monitor with veo_check_generation and fetch results with veo_download_video."),
		mcp.WithString("prompt", mcp.Required(),
			mcp.Description("Text prompt describing the video to generate. Be specific about visual elements, style, and movement.")),
		mcp.WithString("model",
			mcp.Description("Veo model to use for generation"),
			mcp.Enum(infra.SupportedModels...)),
		mcp.WithString("aspect_ratio",
			mcp.Description("Video aspect ratio"),
			mcp.Enum("16:9", "9:16")),
		mcp.WithString("negative_prompt",
			mcp.Description("Elements to avoid in the generation (e.g. 'low quality, blurry')")),
		mcp.WithString("person_generation",
			mcp.Description("Control person generation in videos"),
			mcp.Enum("dont_allow", "allow_adult")),
		mcp.WithString("resolution",
			mcp.Description("Video resolution (if supported by the model)"),
			mcp.Enum("720p", "1080p")),
		mcp.WithNumber("number_of_videos",
			mcp.Description("Number of video variations to generate (1-4)")),
		mcp.WithNumber("duration_seconds",
			mcp.Description("Video duration in seconds (model default when omitted)")),
		mcp.WithNumber("seed",
			mcp.Description("Seed for reproducible generation")),
		mcp.WithBoolean("enhance_prompt",
			mcp.Description("Let the model enhance the prompt for better results")),
		mcp.WithBoolean("generate_audio",
			mcp.Description("Generate audio for the video")),
		mcp.WithString("output_gcs_uri",
			mcp.Description("GCS bucket URI where generated videos are stored remotely")),
		mcp.WithNumber("fps",
			mcp.Description("Frames per second for video generation")),
		mcp.WithString("image_path",
			mcp.Description("Path to a local input image for image-to-video generation")),
	), h.generate)

	s.AddTool(mcp.NewTool("veo_check_generation",
		mcp.WithDescription("Check the status of a video generation session. Monitors the background worker, not the remote API directly."),
		mcp.WithString("session_id", mcp.Required(),
			mcp.Description("Session ID returned from veo_generate_video")),
	), h.check)

	s.AddTool(mcp.NewTool("veo_cancel_generation",
		mcp.WithDescription("Cancel a running video generation session. The worker is stopped gracefully first, forcefully after a short grace period."),
		mcp.WithString("session_id", mcp.Required(),
			mcp.Description("Session ID returned from veo_generate_video")),
	), h.cancel)

	s.AddTool(mcp.NewTool("veo_list_generations",
		mcp.WithDescription("List all video generation sessions with their current status."),
		mcp.WithBoolean("active_only",
			mcp.Description("Only show active (running) generations")),
	), h.listAs("generations"))

	s.AddTool(mcp.NewTool("veo_list_sessions",
		mcp.WithDescription("List all video generation sessions with their current status."),
		mcp.WithBoolean("active_only",
			mcp.Description("Only show active (running) generations")),
	), h.listAs("sessions"))

	s.AddTool(mcp.NewTool("veo_cleanup_sessions",
		mcp.WithDescription("Clean up old generation sessions: removes state and log files for sessions past the age cutoff. Sessions with a live worker are never removed."),
		mcp.WithNumber("older_than_days",
			mcp.Description("Delete sessions older than this many days (minimum 1)")),
		mcp.WithBoolean("completed_only",
			mcp.Description("Only clean up completed/failed/cancelled sessions")),
	), h.cleanup)

	s.AddTool(mcp.NewTool("veo_download_video",
		mcp.WithDescription("Download a generated video from a completed session to local storage. Re-downloading an index returns the previously recorded file."),
		mcp.WithString("session_id", mcp.Required(),
			mcp.Description("Session ID returned from veo_generate_video")),
		mcp.WithNumber("video_index",
			mcp.Description("Index of the video to download (0-based, for multiple samples)")),
		mcp.WithString("output_dir",
			mcp.Description("Directory to save the video; defaults to the configured downloads directory")),
	), h.download)
}

func (h *Handlers) generate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	model := req.GetString("model", h.cfg.VeoModel)
	if !infra.SupportedModel(model) {
		return errorPayload("unsupported model %q", model)
	}

	count := req.GetInt("number_of_videos", 1)
	if count < 1 {
		count = 1
	}
	if count > 4 {
		count = 4
	}

	params := job.Params{
		Prompt:           prompt,
		Model:            model,
		AspectRatio:      req.GetString("aspect_ratio", "16:9"),
		NegativePrompt:   req.GetString("negative_prompt", ""),
		PersonGeneration: req.GetString("person_generation", "allow_adult"),
		Resolution:       req.GetString("resolution", ""),
		NumberOfVideos:   count,
		DurationSeconds:  req.GetInt("duration_seconds", 0),
		EnhancePrompt:    req.GetBool("enhance_prompt", false),
		GenerateAudio:    req.GetBool("generate_audio", false),
		OutputGCSURI:     req.GetString("output_gcs_uri", ""),
		ImagePath:        req.GetString("image_path", ""),
	}
	if seed := req.GetInt("seed", -1); seed >= 0 {
		params.Seed = &seed
	}
	if fps := req.GetInt("fps", 0); fps > 0 {
		params.FPS = &fps
	}

	rec, err := h.mgr.Start(params)
	if err != nil {
		payload := map[string]any{
			"error":   fmt.Sprintf("failed to start video generation: %v", err),
			"success": false,
		}
		if rec != nil {
			payload["session_id"] = rec.ID
			payload["status"] = rec.Status
		}
		return jsonResult(payload)
	}

	return jsonResult(map[string]any{
		"session_id": rec.ID,
		"status":     rec.Status,
		"pid":        rec.PID,
		"message":    fmt.Sprintf("Video generation started. Use veo_check_generation with session_id %q to monitor progress.", rec.ID),
		"model":      model,
		"parameters": map[string]any{
			"prompt":           params.Prompt,
			"aspect_ratio":     params.AspectRatio,
			"duration_seconds": params.DurationSeconds,
			"number_of_videos": params.NumberOfVideos,
		},
	})
}

func (h *Handlers) check(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := h.mgr.Get(id)
	if errors.Is(err, job.ErrNotFound) {
		return jsonResult(map[string]any{
			"error": fmt.Sprintf("Session %s not found", id),
			"hint":  "Use veo_list_generations to see known sessions",
		})
	}
	if err != nil {
		return errorPayload("failed to check generation status: %v", err)
	}
	return jsonResult(rec)
}

func (h *Handlers) cancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := h.mgr.Cancel(id)
	if errors.Is(err, job.ErrNotFound) {
		return errorPayload("Session %s not found", id)
	}
	if errors.Is(err, job.ErrTerminal) {
		return jsonResult(map[string]any{
			"error":      fmt.Sprintf("Cannot cancel generation in status: %s", rec.Status),
			"session_id": id,
			"status":     rec.Status,
		})
	}
	if err != nil {
		return errorPayload("failed to cancel generation: %v", err)
	}
	return jsonResult(map[string]any{
		"session_id": id,
		"status":     rec.Status,
		"message":    "Generation cancelled successfully",
	})
}

// sessionSummary is the condensed per-job view returned by the list tools.
type sessionSummary struct {
	SessionID  string     `json:"session_id"`
	Status     job.Status `json:"status"`
	Progress   string     `json:"progress,omitempty"`
	Prompt     string     `json:"prompt"`
	Model      string     `json:"model,omitempty"`
	PID        int        `json:"pid,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	VideoCount int        `json:"video_count,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (h *Handlers) listAs(key string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		activeOnly := req.GetBool("active_only", false)
		records, err := h.mgr.List(activeOnly)
		if err != nil {
			return errorPayload("failed to list generations: %v", err)
		}

		summaries := make([]sessionSummary, 0, len(records))
		for _, rec := range records {
			s := sessionSummary{
				SessionID: rec.ID,
				Status:    rec.Status,
				Progress:  rec.Progress,
				Prompt:    truncate(rec.Params.Prompt, 100),
				Model:     rec.Params.Model,
				PID:       rec.PID,
				CreatedAt: rec.CreatedAt,
				Error:     truncate(rec.Error, 100),
			}
			if rec.Status == job.StatusCompleted {
				s.VideoCount = len(rec.Videos)
			}
			summaries = append(summaries, s)
		}

		return jsonResult(map[string]any{
			key:           summaries,
			"total":       len(summaries),
			"active_only": activeOnly,
		})
	}
}

func (h *Handlers) cleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("older_than_days", 7)
	if days < 1 {
		days = 1
	}
	completedOnly := req.GetBool("completed_only", true)

	removed, err := h.mgr.Cleanup(time.Duration(days)*24*time.Hour, completedOnly)
	if err != nil {
		return errorPayload("failed to cleanup sessions: %v", err)
	}
	return jsonResult(map[string]any{
		"success":          true,
		"cleaned_sessions": removed,
		"message":          fmt.Sprintf("Cleaned up %d old sessions", removed),
	})
}

func (h *Handlers) download(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	index := req.GetInt("video_index", 0)
	outputDir := req.GetString("output_dir", "")

	rec, err := h.mgr.Get(id)
	if errors.Is(err, job.ErrNotFound) {
		return errorPayload("Session %q not found", id)
	}
	if err != nil {
		return errorPayload("failed to read session: %v", err)
	}
	if rec.Status != job.StatusCompleted {
		return errorPayload("Generation not complete. Current status: %s", rec.Status)
	}
	if len(rec.Videos) == 0 {
		return errorPayload("No videos found in completed generation")
	}
	if index < 0 || index >= len(rec.Videos) {
		return errorPayload("Video index %d out of range. Only %d videos available.", index, len(rec.Videos))
	}

	if prior, ok := rec.DownloadFor(index); ok {
		return jsonResult(map[string]any{
			"file_path": prior.FilePath,
			"file_size": prior.FileSize,
			"success":   true,
			"message":   "Video already downloaded",
		})
	}

	uri := rec.Videos[index].URI
	if uri == "" {
		return errorPayload("No video URI found for download")
	}

	if outputDir == "" {
		outputDir = filepath.Join(h.cfg.DownloadDir, id)
	}
	store, err := storage.NewFileStore(outputDir)
	if err != nil {
		return errorPayload("failed to prepare output directory: %v", err)
	}
	filename := fmt.Sprintf("veo_%s_%d_%s.mp4", id, index, time.Now().Format("20060102_150405"))
	destPath, err := store.Reserve(filename)
	if err != nil {
		return errorPayload("failed to prepare output path: %v", err)
	}

	var size int64
	switch {
	case filepath.IsAbs(uri):
		// Artifact already on local disk (e.g. written by a prior run).
		size, err = copyFile(uri, destPath)
		if err != nil {
			return errorPayload("failed to copy video: %v", err)
		}
	default:
		fileID, ok := veo.ParseFileID(uri)
		if !ok {
			return errorPayload("Invalid video URI format: %s", uri)
		}
		size, err = h.dl.Download(ctx, fileID, destPath)
		if err != nil {
			return errorPayload("failed to download video: %v", err)
		}
	}

	if _, err := h.mgr.RecordDownload(id, job.Download{Index: index, FilePath: destPath, FileSize: size}); err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("tools: record download")
	}

	return jsonResult(map[string]any{
		"file_path": destPath,
		"file_size": size,
		"success":   true,
		"message":   fmt.Sprintf("Video downloaded successfully to %s", destPath),
	})
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return size, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorPayload(format string, args ...any) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"error":   fmt.Sprintf(format, args...),
		"success": false,
	})
}
