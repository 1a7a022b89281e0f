package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/neuronviewer/server/internal/metrics"
	"github.com/neuronviewer/server/internal/swc"
	"github.com/neuronviewer/server/internal/tracestore"
)

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("import queue is full; try again later")

// ImportJobManagerConfig contains configuration for the import job manager.
type ImportJobManagerConfig struct {
	MaxConcurrent int           // Max concurrent import jobs (default 1)
	MaxQueued     int           // Queue capacity (default 100)
	Retention     time.Duration // How long finished jobs are kept (default 24h)
	CleanupPeriod time.Duration
	// SpoolDir holds uploaded reconstructions until their job runs.
	SpoolDir string
	Logger   *slog.Logger
}

// ImportJobManager runs SWC import jobs on a worker pool. Job state is persisted in the
// trace store so queued jobs survive a restart.
type ImportJobManager struct {
	cfg      ImportJobManagerConfig
	store    *tracestore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	log      *slog.Logger

	// Imported is called with the tracing ids written by a completed job.
	Imported func(tracingIDs []string)
}

// NewImportJobManager creates a new import job manager.
func NewImportJobManager(store *tracestore.Store, cfg ImportJobManagerConfig) (*ImportJobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(os.TempDir(), "neuronviewer-imports")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	return &ImportJobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.MaxQueued),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		log:     cfg.Logger.With("component", "imports"),
	}, nil
}

// Start launches the import workers and the retention cleaner. Jobs left
// running by a previous process are failed; queued ones are requeued.
func (jm *ImportJobManager) Start() {
	// A job cannot survive its process
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.Error("failed to mark running jobs as failed", "error", err)
	}

	// Requeue in creation order
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.Error("failed to list queued jobs", "error", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.Info("re-queued job", "job_id", job.ID)
			default:
				jm.log.Warn("queue full, cannot re-queue job", "job_id", job.ID)
			}
		}
	}

	// Workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Retention
	go jm.cleaner()
}

// Stop stops all workers gracefully. Running jobs are cancelled.
func (jm *ImportJobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
	})
}

func (jm *ImportJobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued; picked up again on the next start
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *ImportJobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil {
		jm.log.Error("failed to load job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != tracestore.JobStatusQueued {
		// Cancelled before start
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		cancel()
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Running
	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		jm.log.Error("failed to update job as started", "job_id", jobID, "error", err)
		return
	}

	tracingIDs, execErr := jm.execute(ctx, job)

	// Terminal status
	status, msg := tracestore.JobStatusCompleted, ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = tracestore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = tracestore.JobStatusFailed, execErr.Error()
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		jm.log.Error("failed to update job status", "job_id", jobID, "error", err)
	}
	metrics.ImportJobsTotal.WithLabelValues(string(status)).Inc()
	jm.log.Info("import finished", "job_id", jobID, "status", status, "neuron", job.Params.NeuronID, "error", msg)

	if status == tracestore.JobStatusCompleted && jm.Imported != nil {
		jm.Imported(tracingIDs)
	}
	os.Remove(job.Params.Path)
}

func (jm *ImportJobManager) execute(ctx context.Context, job *tracestore.ImportJob) ([]string, error) {
	const phases = 3

	jm.store.UpdateJobProgress(job.ID, "parse", 0, phases)
	f, err := os.Open(job.Params.Path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	rec, err := swc.Parse(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jm.store.UpdateJobProgress(job.ID, "split", 1, phases)
	label := job.Params.Label
	if label == "" {
		label = job.Params.NeuronID
	}
	neuron, tracings, err := rec.Split(job.Params.NeuronID, label)
	if err != nil {
		return nil, err
	}
	if len(tracings) == 0 {
		return nil, errors.New("reconstruction has no axon or dendrite samples")
	}

	jm.store.UpdateJobProgress(job.ID, "store", 2, phases)
	if err := jm.store.ImportNeuron(ctx, neuron, tracings); err != nil {
		return nil, fmt.Errorf("store neuron: %w", err)
	}
	jm.store.UpdateJobNeurons(job.ID, 1)
	jm.store.UpdateJobProgress(job.ID, "done", phases, phases)

	ids := make([]string, len(tracings))
	for i, tr := range tracings {
		ids[i] = tr.ID
	}
	return ids, nil
}

func (jm *ImportJobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *ImportJobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.Retention)
	if err != nil {
		jm.log.Error("cleanup error", "error", err)
	} else if deleted > 0 {
		jm.log.Info("cleaned up expired jobs", "deleted", deleted)
	}
}

// Submit spools body, creates a job and enqueues it for execution.
func (jm *ImportJobManager) Submit(params tracestore.ImportParams, body io.Reader) (*tracestore.ImportJob, error) {
	id := generateJobID()

	path := filepath.Join(jm.cfg.SpoolDir, id+".swc")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("spool upload: %w", err)
	}

	params.Path = path
	job := &tracestore.ImportJob{
		ID:        id,
		Status:    tracestore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		os.Remove(path)
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// No room; the job is recorded as failed
		jm.store.UpdateJobStatus(id, tracestore.JobStatusFailed, ErrQueueFull.Error())
		os.Remove(path)
		return nil, ErrQueueFull
	}

	return job, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (jm *ImportJobManager) Get(id string) *tracestore.ImportJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, tracestore.ErrNotFound) {
			jm.log.Error("error getting job", "job_id", id, "error", err)
		}
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *ImportJobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// Queued jobs are cancelled in the store; the worker skips them
	job, err := jm.store.GetJob(id)
	if err != nil {
		return false
	}
	if job.Status == tracestore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, tracestore.JobStatusCancelled, "cancelled before start")
		metrics.ImportJobsTotal.WithLabelValues(string(tracestore.JobStatusCancelled)).Inc()
		os.Remove(job.Params.Path)
		return true
	}
	return false
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
