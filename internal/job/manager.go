package job

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"veomcp/internal/infra"
)

// Supervisor is the process-control surface the manager depends on. The
// production implementation lives in internal/proc; tests inject fakes.
type Supervisor interface {
	Spawn(jobID string, args []string) (int, error)
	Alive(pid int) bool
	Terminate(pid int) error
}

// Manager mediates every job lifecycle operation. It holds no in-memory job
// table: the file-backed record is the single source of truth, so the
// server can be restarted at any point without losing jobs.
type Manager struct {
	store  *Store
	super  Supervisor
	logger infra.Logger
}

// NewManager wires the manager to its store and supervisor.
func NewManager(store *Store, super Supervisor, logger infra.Logger) *Manager {
	return &Manager{store: store, super: super, logger: logger}
}

// Start creates a job record in starting state, spawns the detached worker
// and promotes the record to running with the worker's PID. A spawn failure
// marks the record failed and returns both the record and the error; the
// record is never left dangling in starting.
func (m *Manager) Start(params Params) (*Record, error) {
	id := NewID()
	now := time.Now().UTC()
	rec := &Record{
		ID:        id,
		Status:    StatusStarting,
		Progress:  "initializing worker",
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Write(id, rec); err != nil {
		return nil, err
	}
	m.logger.Info().Str("job_id", id).Msg("job: starting generation")

	pid, err := m.super.Spawn(id, workerArgs(id, m.store.Dir(), params))
	if err != nil {
		failed, uerr := m.store.Update(id, func(r *Record) {
			r.Status = StatusFailed
			r.Error = fmt.Sprintf("failed to start worker: %v", err)
		})
		if uerr != nil {
			m.logger.Error().Err(uerr).Str("job_id", id).Msg("job: record spawn failure")
			failed = rec
		}
		return failed, fmt.Errorf("start worker: %w", err)
	}

	rec, err = m.store.Update(id, func(r *Record) {
		r.Status = StatusRunning
		r.Progress = "worker started"
		r.PID = pid
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the job's record, healing it first: a non-terminal record
// whose worker process has died is transitioned to failed before it is
// returned. Unknown identifiers yield ErrNotFound.
func (m *Manager) Get(id string) (*Record, error) {
	rec, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	return m.reconcile(rec), nil
}

// reconcile detects a dead worker behind a non-terminal record and marks
// the job failed. The store update re-reads the record, so a worker that
// managed a final terminal write in the meantime wins.
func (m *Manager) reconcile(rec *Record) *Record {
	if rec.Status.Terminal() || rec.PID == 0 {
		return rec
	}
	if m.super.Alive(rec.PID) {
		return rec
	}

	m.logger.Warn().Str("job_id", rec.ID).Int("pid", rec.PID).Msg("job: worker process gone, marking failed")
	updated, err := m.store.Update(rec.ID, func(r *Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = StatusFailed
		r.Error = "generation process terminated unexpectedly"
	})
	if err != nil {
		// Return the healed view even when persisting it failed; the next
		// read will try again.
		rec.Status = StatusFailed
		rec.Error = "generation process terminated unexpectedly"
		return rec
	}
	return updated
}

// List enumerates all known jobs, reconciling each record's liveness, and
// returns them newest-first by creation time. With activeOnly set, only
// jobs whose status is non-terminal are included.
func (m *Manager) List(activeOnly bool) ([]*Record, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(8)
	reconciled := make([]*Record, len(records))
	for i, rec := range records {
		g.Go(func() error {
			reconciled[i] = m.reconcile(rec)
			return nil
		})
	}
	_ = g.Wait()

	out := reconciled[:0]
	for _, rec := range reconciled {
		if activeOnly && !rec.Status.Active() {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Cancel terminates a live job's worker and marks the record cancelled.
// Cancelling a job that already reached a terminal status is an error that
// names the current status and mutates nothing.
func (m *Manager) Cancel(id string) (*Record, error) {
	rec, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: cannot cancel generation in status %q", ErrTerminal, rec.Status)
	}

	if rec.PID > 0 {
		if err := m.super.Terminate(rec.PID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", id).Int("pid", rec.PID).Msg("job: terminate worker")
		}
	}

	// The worker's own signal handler may have written cancelled already;
	// the terminal guard keeps whichever write landed first.
	return m.store.Update(id, func(r *Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = StatusCancelled
		r.Error = "cancelled by user"
	})
}

// Cleanup deletes records (and their log captures) whose embedded creation
// time is older than the cutoff. Non-terminal jobs are never removed,
// regardless of age. Returns the number of removed records.
func (m *Manager) Cleanup(olderThan time.Duration, completedOnly bool) (int, error) {
	records, err := m.store.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)

	removed := 0
	for _, rec := range records {
		created, ok := CreatedFromID(rec.ID)
		if !ok || created.After(cutoff) {
			continue
		}
		// completedOnly is part of the tool contract; either way a job
		// with a live (or presumed live) worker is out of bounds.
		if !rec.Status.Terminal() {
			continue
		}
		if err := m.store.Delete(rec.ID); err != nil {
			m.logger.Error().Err(err).Str("job_id", rec.ID).Msg("job: cleanup delete")
			continue
		}
		removed++
	}
	return removed, nil
}

// RecordDownload appends a materialized-artifact entry to the record,
// keyed by artifact index. Re-recording an index is a no-op.
func (m *Manager) RecordDownload(id string, d Download) (*Record, error) {
	return m.store.Update(id, func(r *Record) {
		if _, ok := r.DownloadFor(d.Index); ok {
			return
		}
		r.Downloads = append(r.Downloads, d)
	})
}

// workerArgs builds the worker command line. The state directory and job id
// are mandatory so the worker can locate and update its own record; the API
// credential is deliberately absent, it travels via the child environment.
func workerArgs(id, stateDir string, p Params) []string {
	args := []string{
		"--session-id", id,
		"--state-dir", stateDir,
		"--prompt", p.Prompt,
		"--number-of-videos", strconv.Itoa(p.NumberOfVideos),
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.AspectRatio != "" {
		args = append(args, "--aspect-ratio", p.AspectRatio)
	}
	if p.PersonGeneration != "" {
		args = append(args, "--person-generation", p.PersonGeneration)
	}
	if p.NegativePrompt != "" {
		args = append(args, "--negative-prompt", p.NegativePrompt)
	}
	if p.Resolution != "" {
		args = append(args, "--resolution", p.Resolution)
	}
	if p.DurationSeconds > 0 {
		args = append(args, "--duration-seconds", strconv.Itoa(p.DurationSeconds))
	}
	if p.Seed != nil {
		args = append(args, "--seed", strconv.Itoa(*p.Seed))
	}
	if p.OutputGCSURI != "" {
		args = append(args, "--output-gcs-uri", p.OutputGCSURI)
	}
	if p.EnhancePrompt {
		args = append(args, "--enhance-prompt")
	}
	if p.GenerateAudio {
		args = append(args, "--generate-audio")
	}
	if p.FPS != nil {
		args = append(args, "--fps", strconv.Itoa(*p.FPS))
	}
	if p.ImagePath != "" {
		args = append(args, "--image-path", p.ImagePath)
	}
	return args
}
