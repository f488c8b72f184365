package job

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the lifecycle states of a generation job. Transitions
// are monotonic toward a terminal state; once a record is terminal it is
// never moved back.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusGenerating Status = "generating"
	StatusPolling    Status = "polling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job still has (or is about to have) a live
// worker process.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusGenerating, StatusPolling:
		return true
	}
	return false
}

// Params captures the full generation request. It is written once at job
// creation and never mutated afterwards.
type Params struct {
	Prompt           string `json:"prompt"`
	Model            string `json:"model,omitempty"`
	AspectRatio      string `json:"aspect_ratio,omitempty"`
	NegativePrompt   string `json:"negative_prompt,omitempty"`
	PersonGeneration string `json:"person_generation,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	NumberOfVideos   int    `json:"number_of_videos,omitempty"`
	DurationSeconds  int    `json:"duration_seconds,omitempty"`
	Seed             *int   `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhance_prompt,omitempty"`
	GenerateAudio    bool   `json:"generate_audio,omitempty"`
	OutputGCSURI     string `json:"output_gcs_uri,omitempty"`
	FPS              *int   `json:"fps,omitempty"`
	ImagePath        string `json:"image_path,omitempty"`
}

// Video describes one generated artifact as reported by the remote API.
type Video struct {
	Index    int    `json:"index"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

// Download records a result artifact that has been materialized locally.
// Entries are append-only, keyed by artifact index.
type Download struct {
	Index    int    `json:"index"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// Record is the persisted state document for one job. It is the single
// source of truth: no in-memory table shadows it.
type Record struct {
	ID        string     `json:"session_id"`
	Status    Status     `json:"status"`
	Progress  string     `json:"progress,omitempty"`
	Params    Params     `json:"parameters"`
	PID       int        `json:"pid,omitempty"`
	Videos    []Video    `json:"videos,omitempty"`
	Downloads []Download `json:"downloaded_videos,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DownloadFor returns the recorded download for the given artifact index.
func (r *Record) DownloadFor(index int) (Download, bool) {
	for _, d := range r.Downloads {
		if d.Index == index {
			return d, true
		}
	}
	return Download{}, false
}

var idPattern = regexp.MustCompile(`^gen_[0-9a-f]{8}_[0-9]+$`)

// NewID mints a job identifier of the form gen_<8 hex>_<unix seconds>. The
// embedded timestamp lets cleanup apply an age cutoff without reading the
// record body.
func NewID() string {
	return fmt.Sprintf("gen_%s_%d", uuid.NewString()[:8], time.Now().Unix())
}

// ValidID reports whether the string is a well-formed job identifier.
// Identifiers name state files on disk, so anything else is rejected before
// it reaches the filesystem.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// CreatedFromID extracts the creation time embedded in a job identifier.
func CreatedFromID(id string) (time.Time, bool) {
	i := strings.LastIndex(id, "_")
	if i < 0 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
