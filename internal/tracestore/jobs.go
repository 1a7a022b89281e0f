package tracestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// JobStatus represents the current state of an import job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ImportParams contains the parameters of an SWC import job.
type ImportParams struct {
	Source   string `json:"source"`
	NeuronID string `json:"neuron_id"`
	Label    string `json:"label"`
	// Path is where the uploaded reconstruction was spooled.
	Path string `json:"path"`
}

// JobProgress represents the progress of an import job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// ImportJob represents an SWC import job.
type ImportJob struct {
	ID         string       `json:"job_id"`
	Status     JobStatus    `json:"status"`
	Params     ImportParams `json:"params"`
	Progress   JobProgress  `json:"progress"`
	Neurons    int          `json:"neurons"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
}

const jobColumns = `job_id, status, params_json, phase, done, total, neurons, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(s.rebind(`
		INSERT INTO import_jobs (job_id, source, status, params_json, phase, done, total, neurons, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		job.ID,
		job.Params.Source,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Neurons,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*ImportJob, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM import_jobs WHERE job_id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(s.rebind(`
		UPDATE import_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`), string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobStatus updates the job status. Terminal states record the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(s.rebind(`
		UPDATE import_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`), string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind(`
		UPDATE import_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`), phase, done, total, jobID)
	return err
}

// UpdateJobNeurons records how many neurons a job imported.
func (s *Store) UpdateJobNeurons(jobID string, neurons int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind(`UPDATE import_jobs SET neurons = ? WHERE job_id = ?`), neurons, jobID)
	return err
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*ImportJob, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT `+jobColumns+` FROM import_jobs WHERE status = ?
		ORDER BY created_at ASC
	`), string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(s.rebind(`
		UPDATE import_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`), string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retention.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Format(time.RFC3339)
	result, err := s.db.Exec(s.rebind(`
		DELETE FROM import_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job record.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind("DELETE FROM import_jobs WHERE job_id = ?"), jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ImportJob, error) {
	var job ImportJob
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Neurons,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}
