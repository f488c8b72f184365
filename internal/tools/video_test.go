package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"veomcp/internal/infra"
	"veomcp/internal/job"
)

type fakeSupervisor struct {
	nextPID  int
	spawnErr error
	alive    map[int]bool
}

func (f *fakeSupervisor) Spawn(jobID string, args []string) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeSupervisor) Alive(pid int) bool { return f.alive[pid] }
func (f *fakeSupervisor) Terminate(pid int) error {
	f.alive[pid] = false
	return nil
}

type fakeDownloader struct {
	err     error
	fileIDs []string
	payload []byte
}

func (f *fakeDownloader) Download(ctx context.Context, fileID, destPath string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.fileIDs = append(f.fileIDs, fileID)
	if err := os.WriteFile(destPath, f.payload, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.payload)), nil
}

type fixture struct {
	handlers *Handlers
	store    *job.Store
	super    *fakeSupervisor
	dl       *fakeDownloader
	cfg      *infra.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := job.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	super := &fakeSupervisor{nextPID: 1000, alive: map[int]bool{}}
	logger := zerolog.New(io.Discard)
	mgr := job.NewManager(store, super, logger)
	dl := &fakeDownloader{payload: []byte("mp4-bytes")}
	cfg := &infra.Config{
		VeoModel:    "veo-3.0-generate-preview",
		DownloadDir: t.TempDir(),
	}
	return &fixture{
		handlers: NewHandlers(cfg, mgr, dl, logger),
		store:    store,
		super:    super,
		dl:       dl,
		cfg:      cfg,
	}
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T, want TextContent", res.Content[0])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v\n%s", err, text.Text)
	}
	return payload
}

func seedCompleted(t *testing.T, f *fixture, videos []job.Video) string {
	t.Helper()
	id := job.NewID()
	now := time.Now().UTC()
	rec := &job.Record{
		ID:        id,
		Status:    job.StatusCompleted,
		Progress:  "generation completed",
		Params:    job.Params{Prompt: "seeded", NumberOfVideos: len(videos)},
		Videos:    videos,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.Write(id, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return id
}

func TestGenerateStartsSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt":           "a koi pond at dawn",
		"number_of_videos": float64(2),
		"aspect_ratio":     "9:16",
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := decodeResult(t, res)
	id, _ := payload["session_id"].(string)
	if !job.ValidID(id) {
		t.Fatalf("session_id = %q", id)
	}
	if payload["status"] != string(job.StatusRunning) {
		t.Fatalf("status = %v", payload["status"])
	}

	rec, err := f.store.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Params.NumberOfVideos != 2 || rec.Params.AspectRatio != "9:16" {
		t.Fatalf("params = %+v", rec.Params)
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.IsError {
		t.Fatal("missing prompt should produce a tool error")
	}
}

func TestGenerateRejectsUnknownModel(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt": "p",
		"model":  "veo-99",
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["success"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestGenerateClampsVideoCount(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt":           "p",
		"number_of_videos": float64(9),
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := decodeResult(t, res)
	id := payload["session_id"].(string)
	rec, _ := f.store.Read(id)
	if rec.Params.NumberOfVideos != 4 {
		t.Fatalf("count = %d, want clamped to 4", rec.Params.NumberOfVideos)
	}
}

func TestGenerateSpawnFailureReportsSession(t *testing.T) {
	f := newFixture(t)
	f.super.spawnErr = errors.New("worker binary missing")

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt": "p",
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["success"] != false {
		t.Fatalf("payload = %v", payload)
	}
	// The failed session is still addressable so the error can be inspected.
	id, _ := payload["session_id"].(string)
	if !job.ValidID(id) {
		t.Fatalf("session_id = %q", id)
	}
	if payload["status"] != string(job.StatusFailed) {
		t.Fatalf("status = %v", payload["status"])
	}
}

func TestCheckUnknownSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.check(context.Background(), toolRequest("veo_check_generation", map[string]any{
		"session_id": "gen_0a1b2c3d_1700000000",
	}))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	payload := decodeResult(t, res)
	if !strings.Contains(payload["error"].(string), "not found") {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := payload["hint"]; !ok {
		t.Fatal("not-found payload should carry a hint")
	}
}

func TestCheckReturnsFullRecord(t *testing.T) {
	f := newFixture(t)
	id := seedCompleted(t, f, []job.Video{{Index: 0, URI: "files/abc:download", MIMEType: "video/mp4"}})

	res, err := f.handlers.check(context.Background(), toolRequest("veo_check_generation", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["session_id"] != id || payload["status"] != string(job.StatusCompleted) {
		t.Fatalf("payload = %v", payload)
	}
	videos, ok := payload["videos"].([]any)
	if !ok || len(videos) != 1 {
		t.Fatalf("videos = %v", payload["videos"])
	}
}

func TestCancelRunningSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt": "p",
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := decodeResult(t, res)["session_id"].(string)

	res, err = f.handlers.cancel(context.Background(), toolRequest("veo_cancel_generation", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["status"] != string(job.StatusCancelled) {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCancelTerminalSession(t *testing.T) {
	f := newFixture(t)
	id := seedCompleted(t, f, nil)

	res, err := f.handlers.cancel(context.Background(), toolRequest("veo_cancel_generation", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	payload := decodeResult(t, res)
	if !strings.Contains(payload["error"].(string), "Cannot cancel") {
		t.Fatalf("payload = %v", payload)
	}
}

func TestListSessionsSummaries(t *testing.T) {
	f := newFixture(t)
	longPrompt := strings.Repeat("x", 150)
	id := seedCompleted(t, f, []job.Video{{Index: 0, URI: "files/a:download", MIMEType: "video/mp4"}})
	if _, err := f.store.Update(id, func(r *job.Record) {
		r.Params.Prompt = longPrompt
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	list := f.handlers.listAs("sessions")
	res, err := list(context.Background(), toolRequest("veo_list_sessions", map[string]any{}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["total"] != float64(1) {
		t.Fatalf("total = %v", payload["total"])
	}
	sessions := payload["sessions"].([]any)
	entry := sessions[0].(map[string]any)
	if entry["session_id"] != id {
		t.Fatalf("entry = %v", entry)
	}
	prompt := entry["prompt"].(string)
	if len(prompt) != 103 || !strings.HasSuffix(prompt, "...") {
		t.Fatalf("prompt not truncated: %d chars", len(prompt))
	}
	if entry["video_count"] != float64(1) {
		t.Fatalf("video_count = %v", entry["video_count"])
	}
}

func TestListActiveOnlyExcludesTerminal(t *testing.T) {
	f := newFixture(t)
	seedCompleted(t, f, nil)

	list := f.handlers.listAs("generations")
	res, err := list(context.Background(), toolRequest("veo_list_generations", map[string]any{
		"active_only": true,
	}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["total"] != float64(0) {
		t.Fatalf("total = %v", payload["total"])
	}
}

func TestCleanupReportsCount(t *testing.T) {
	f := newFixture(t)
	// Creation time is embedded in the ID; fabricate an old one.
	old := time.Now().Add(-30 * 24 * time.Hour).Unix()
	oldID := "gen_00ddccbb_" + strconv.FormatInt(old, 10)
	rec := &job.Record{
		ID:        oldID,
		Status:    job.StatusCompleted,
		Params:    job.Params{Prompt: "old"},
		CreatedAt: time.Unix(old, 0).UTC(),
		UpdatedAt: time.Unix(old, 0).UTC(),
	}
	if err := f.store.Write(oldID, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := f.handlers.cleanup(context.Background(), toolRequest("veo_cleanup_sessions", map[string]any{
		"older_than_days": float64(7),
	}))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["cleaned_sessions"] != float64(1) {
		t.Fatalf("payload = %v", payload)
	}
	if _, err := f.store.Read(oldID); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("old record survived: %v", err)
	}
}

func TestDownloadRemoteVideo(t *testing.T) {
	f := newFixture(t)
	id := seedCompleted(t, f, []job.Video{
		{Index: 0, URI: "https://api.example/v1beta/files/abc123:download?alt=media", MIMEType: "video/mp4"},
	})

	res, err := f.handlers.download(context.Background(), toolRequest("veo_download_video", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["success"] != true {
		t.Fatalf("payload = %v", payload)
	}
	path := payload["file_path"].(string)
	if !strings.HasPrefix(path, filepath.Join(f.cfg.DownloadDir, id)) {
		t.Fatalf("file_path = %q outside session download dir", path)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "mp4-bytes" {
		t.Fatalf("downloaded file: %v %q", err, data)
	}
	if len(f.dl.fileIDs) != 1 || f.dl.fileIDs[0] != "abc123" {
		t.Fatalf("downloader calls = %v", f.dl.fileIDs)
	}

	rec, _ := f.store.Read(id)
	if d, ok := rec.DownloadFor(0); !ok || d.FilePath != path {
		t.Fatalf("download not recorded: %+v", rec.Downloads)
	}
}

func TestDownloadIsIdempotentPerIndex(t *testing.T) {
	f := newFixture(t)
	id := seedCompleted(t, f, []job.Video{
		{Index: 0, URI: "files/abc123:download", MIMEType: "video/mp4"},
	})

	args := map[string]any{"session_id": id}
	if _, err := f.handlers.download(context.Background(), toolRequest("veo_download_video", args)); err != nil {
		t.Fatalf("download: %v", err)
	}
	res, err := f.handlers.download(context.Background(), toolRequest("veo_download_video", args))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["message"] != "Video already downloaded" {
		t.Fatalf("payload = %v", payload)
	}
	if len(f.dl.fileIDs) != 1 {
		t.Fatalf("remote fetches = %d, want 1", len(f.dl.fileIDs))
	}
}

func TestDownloadLocalArtifact(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "local.mp4")
	if err := os.WriteFile(src, []byte("local-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	id := seedCompleted(t, f, []job.Video{{Index: 0, URI: src, MIMEType: "video/mp4"}})

	res, err := f.handlers.download(context.Background(), toolRequest("veo_download_video", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	payload := decodeResult(t, res)
	if payload["success"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if len(f.dl.fileIDs) != 0 {
		t.Fatal("local artifact triggered a remote fetch")
	}
	data, err := os.ReadFile(payload["file_path"].(string))
	if err != nil || string(data) != "local-bytes" {
		t.Fatalf("copied file: %v %q", err, data)
	}
}

func TestDownloadRejectsIncompleteSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.handlers.generate(context.Background(), toolRequest("veo_generate_video", map[string]any{
		"prompt": "p",
	}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := decodeResult(t, res)["session_id"].(string)

	res, err = f.handlers.download(context.Background(), toolRequest("veo_download_video", map[string]any{
		"session_id": id,
	}))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	payload := decodeResult(t, res)
	if !strings.Contains(payload["error"].(string), "not complete") {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDownloadIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	id := seedCompleted(t, f, []job.Video{{Index: 0, URI: "files/a:download", MIMEType: "video/mp4"}})

	res, err := f.handlers.download(context.Background(), toolRequest("veo_download_video", map[string]any{
		"session_id":  id,
		"video_index": float64(3),
	}))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	payload := decodeResult(t, res)
	if !strings.Contains(payload["error"].(string), "out of range") {
		t.Fatalf("payload = %v", payload)
	}
}
