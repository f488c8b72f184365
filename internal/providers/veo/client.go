package veo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"veomcp/internal/infra"
)

const (
	defaultPollInterval = 20 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// Options controls how the Veo client is configured.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	HTTPClient   *http.Client
	Logger       *infra.Logger
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Client is a thin facade over the Veo long-running-operation endpoints of
// the Gemini API: start a generation, poll its operation, download the
// produced files. It carries no job state of its own.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	logger       *infra.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// StartRequest carries everything one generation submission needs.
type StartRequest struct {
	Prompt        string
	Model         string
	ImageBytes    []byte
	ImageMIMEType string
	Config        GenerationConfig
}

// GenerationConfig mirrors the tunable generation parameters the API
// accepts.
type GenerationConfig struct {
	AspectRatio      string
	NegativePrompt   string
	PersonGeneration string
	Resolution       string
	NumberOfVideos   int
	DurationSeconds  int
	Seed             *int
	EnhancePrompt    bool
	GenerateAudio    bool
	OutputGCSURI     string
	FPS              *int
}

// GeneratedVideo is the normalized descriptor of one produced artifact.
type GeneratedVideo struct {
	Index    int
	URI      string
	MIMEType string
}

// Operation is the normalized view of a remote long-running operation.
type Operation struct {
	Name   string
	Done   bool
	Videos []GeneratedVideo
}

type predictRequest struct {
	Instances  []predictInstance  `json:"instances"`
	Parameters *predictParameters `json:"parameters,omitempty"`
}

type predictInstance struct {
	Prompt string       `json:"prompt"`
	Image  *inlineImage `json:"image,omitempty"`
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
}

type predictParameters struct {
	AspectRatio      string `json:"aspectRatio,omitempty"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	SampleCount      int    `json:"sampleCount,omitempty"`
	DurationSeconds  int    `json:"durationSeconds,omitempty"`
	Seed             *int   `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhancePrompt,omitempty"`
	GenerateAudio    bool   `json:"generateAudio,omitempty"`
	StorageURI       string `json:"storageUri,omitempty"`
	FPS              int    `json:"fps,omitempty"`
}

type operationResponse struct {
	Name     string           `json:"name"`
	Done     bool             `json:"done"`
	Error    *operationError  `json:"error,omitempty"`
	Response *operationResult `json:"response,omitempty"`
}

type operationError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type operationResult struct {
	GenerateVideoResponse *generateVideoResponse `json:"generateVideoResponse,omitempty"`
}

type generateVideoResponse struct {
	GeneratedSamples []generatedSample `json:"generatedSamples,omitempty"`
}

type generatedSample struct {
	Video *videoRef `json:"video,omitempty"`
}

type videoRef struct {
	URI string `json:"uri,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Veo client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with a request timeout will be created.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "veo-3.0-generate-preview"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		httpClient:   httpClient,
		logger:       logger,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}, nil
}

// Model returns the configured default model identifier.
func (c *Client) Model() string {
	return c.model
}

// StartGeneration submits a generation and returns the name of the remote
// long-running operation to poll.
func (c *Client) StartGeneration(ctx context.Context, req StartRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	instance := predictInstance{Prompt: req.Prompt}
	if len(req.ImageBytes) > 0 {
		instance.Image = &inlineImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.ImageBytes),
			MimeType:           req.ImageMIMEType,
		}
	}

	cfg := req.Config
	sampleCount := cfg.NumberOfVideos
	if sampleCount <= 0 {
		sampleCount = 1
	}
	params := &predictParameters{
		AspectRatio:      cfg.AspectRatio,
		NegativePrompt:   cfg.NegativePrompt,
		PersonGeneration: cfg.PersonGeneration,
		Resolution:       cfg.Resolution,
		SampleCount:      sampleCount,
		DurationSeconds:  cfg.DurationSeconds,
		Seed:             cfg.Seed,
		EnhancePrompt:    cfg.EnhancePrompt,
		GenerateAudio:    cfg.GenerateAudio,
		StorageURI:       cfg.OutputGCSURI,
	}
	if cfg.FPS != nil {
		params.FPS = *cfg.FPS
	}

	var op operationResponse
	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(model))
	if err := c.invoke(ctx, http.MethodPost, path, predictRequest{
		Instances:  []predictInstance{instance},
		Parameters: params,
	}, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("veo: no operation returned from video generation")
	}

	c.logger.Info().Str("model", model).Str("operation", op.Name).Msg("veo: generation started")
	return op.Name, nil
}

// GetOperation fetches the current state of a long-running operation. A
// done operation carrying a remote error is returned as a Go error.
func (c *Client) GetOperation(ctx context.Context, name string) (*Operation, error) {
	var op operationResponse
	if err := c.invoke(ctx, http.MethodGet, "/"+strings.TrimLeft(name, "/"), nil, &op); err != nil {
		return nil, err
	}
	if op.Done && op.Error != nil {
		return nil, fmt.Errorf("veo: generation failed: %s", op.Error.Message)
	}

	out := &Operation{Name: op.Name, Done: op.Done}
	if op.Done && op.Response != nil && op.Response.GenerateVideoResponse != nil {
		for i, sample := range op.Response.GenerateVideoResponse.GeneratedSamples {
			if sample.Video == nil || sample.Video.URI == "" {
				continue
			}
			out.Videos = append(out.Videos, GeneratedVideo{
				Index:    i,
				URI:      sample.Video.URI,
				MIMEType: "video/mp4",
			})
		}
	}
	return out, nil
}

// PollUntilDone polls the operation on a fixed interval until it finishes
// or the total wait bound elapses. The progress callback fires before each
// wait with the elapsed time; exceeding the bound is an error, not an
// endless wait.
func (c *Client) PollUntilDone(ctx context.Context, name string, progress func(elapsed time.Duration)) (*Operation, error) {
	start := time.Now()
	for {
		op, err := c.GetOperation(ctx, name)
		if err != nil {
			return nil, err
		}
		if op.Done {
			return op, nil
		}

		elapsed := time.Since(start)
		if elapsed > c.pollTimeout {
			return nil, fmt.Errorf("veo: timeout after %d seconds", int(c.pollTimeout.Seconds()))
		}
		if progress != nil {
			progress(elapsed)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// ParseFileID extracts the file identifier from a result artifact URI of
// the form …/files/<ID>:download?alt=media.
func ParseFileID(uri string) (string, bool) {
	_, rest, ok := strings.Cut(uri, "files/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, ":download")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Download streams the remote file with the given ID to destPath and
// returns the number of bytes written.
func (c *Client) Download(ctx context.Context, fileID, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("veo: ensure download directory: %w", err)
	}

	endpoint := fmt.Sprintf("%s/files/%s:download", c.baseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("veo: create download request: %w", err)
	}
	q := req.URL.Query()
	q.Set("alt", "media")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("veo: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("veo: download status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("veo: create file: %w", err)
	}
	size, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return 0, fmt.Errorf("veo: write file: %w", err)
	}

	c.logger.Info().Str("file_id", fileID).Int64("bytes", size).Msg("veo: downloaded video")
	return size, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, payload any, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("veo: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("veo: create request: %w", err)
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("veo: invoke api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("veo: api status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("veo: api status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("veo: api status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("veo: decode response: %w", err)
	}
	return nil
}
