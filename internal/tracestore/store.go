// Package tracestore provides persistent storage for neurons, tracings, compartments and
// import jobs. SQLite (modernc) is the default driver; PostgreSQL is reached through pgx.
package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/neuronviewer/server/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistent storage backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// Open opens the database for driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch driver {
	case "sqlite":
		// Ensure directory exists
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS neurons (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tracings (
			id TEXT PRIMARY KEY,
			neuron_id TEXT NOT NULL REFERENCES neurons(id) ON DELETE CASCADE,
			structure TEXT NOT NULL,
			soma_json TEXT NOT NULL,
			node_count INTEGER NOT NULL DEFAULT 0,
			nodes_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracings_neuron ON tracings(neuron_id)`,
		`CREATE TABLE IF NOT EXISTS compartments (
			id TEXT PRIMARY KEY,
			acronym TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS import_jobs (
			job_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			params_json TEXT NOT NULL,
			phase TEXT DEFAULT '',
			done INTEGER DEFAULT 0,
			total INTEGER DEFAULT 0,
			neurons INTEGER DEFAULT 0,
			error TEXT DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_finished ON import_jobs(finished_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ListNeurons returns every neuron with its tracing summaries, ordered by id.
func (s *Store) ListNeurons(ctx context.Context) ([]model.Neuron, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.label, t.id, t.structure, t.soma_json
		FROM neurons n LEFT JOIN tracings t ON t.neuron_id = n.id
		ORDER BY n.id, t.structure, t.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var neurons []model.Neuron
	for rows.Next() {
		var neuronID, label string
		var tracingID, structure, somaJSON sql.NullString
		if err := rows.Scan(&neuronID, &label, &tracingID, &structure, &somaJSON); err != nil {
			return nil, err
		}
		if len(neurons) == 0 || neurons[len(neurons)-1].ID != neuronID {
			neurons = append(neurons, model.Neuron{ID: neuronID, Label: label})
		}
		if !tracingID.Valid {
			continue
		}
		summary := model.TracingSummary{ID: tracingID.String, Structure: model.Structure(structure.String)}
		if err := json.Unmarshal([]byte(somaJSON.String), &summary.Soma); err != nil {
			return nil, fmt.Errorf("failed to unmarshal soma of %s: %w", tracingID.String, err)
		}
		n := &neurons[len(neurons)-1]
		n.Tracings = append(n.Tracings, summary)
	}
	return neurons, rows.Err()
}

// GetTracings returns the tracings among ids that exist, in the order of ids.
func (s *Store) GetTracings(ctx context.Context, ids []string) ([]model.Tracing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, neuron_id, structure, nodes_json FROM tracings
		WHERE id IN (`+placeholders(len(ids))+`)
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]model.Tracing, len(ids))
	for rows.Next() {
		var tr model.Tracing
		var nodesJSON string
		if err := rows.Scan(&tr.ID, &tr.NeuronID, &tr.Structure, &nodesJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(nodesJSON), &tr.Nodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal nodes of %s: %w", tr.ID, err)
		}
		found[tr.ID] = tr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tracings := make([]model.Tracing, 0, len(found))
	for _, id := range ids {
		if tr, ok := found[id]; ok {
			tracings = append(tracings, tr)
			delete(found, id)
		}
	}
	return tracings, nil
}

// GetTracing returns a single tracing.
func (s *Store) GetTracing(ctx context.Context, id string) (*model.Tracing, error) {
	tracings, err := s.GetTracings(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(tracings) == 0 {
		return nil, fmt.Errorf("tracing %s: %w", id, ErrNotFound)
	}
	return &tracings[0], nil
}

// ImportNeuron stores a neuron and replaces its tracings in one transaction.
func (s *Store) ImportNeuron(ctx context.Context, neuron model.Neuron, tracings []model.Tracing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO neurons (id, label, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET label = excluded.label
	`), neuron.ID, neuron.Label, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert neuron %s: %w", neuron.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM tracings WHERE neuron_id = ?"), neuron.ID); err != nil {
		return fmt.Errorf("failed to clear tracings of %s: %w", neuron.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO tracings (id, neuron_id, structure, soma_json, node_count, nodes_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	somas := make(map[string]model.Node, len(neuron.Tracings))
	for _, ts := range neuron.Tracings {
		somas[ts.ID] = ts.Soma
	}
	for _, tr := range tracings {
		somaJSON, err := json.Marshal(somas[tr.ID])
		if err != nil {
			return fmt.Errorf("failed to marshal soma: %w", err)
		}
		nodesJSON, err := json.Marshal(tr.Nodes)
		if err != nil {
			return fmt.Errorf("failed to marshal nodes: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, tr.ID, neuron.ID, string(tr.Structure), string(somaJSON), len(tr.Nodes), string(nodesJSON)); err != nil {
			return fmt.Errorf("failed to insert tracing %s: %w", tr.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteNeuron deletes a neuron and its tracings.
func (s *Store) DeleteNeuron(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete tracings first
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM tracings WHERE neuron_id = ?"), id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM neurons WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("neuron %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListCompartments returns every compartment ordered by id.
func (s *Store) ListCompartments(ctx context.Context) ([]model.Compartment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, acronym, name, color FROM compartments")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var compartments []model.Compartment
	for rows.Next() {
		var c model.Compartment
		if err := rows.Scan(&c.ID, &c.Acronym, &c.Name, &c.Color); err != nil {
			return nil, err
		}
		compartments = append(compartments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Structure ids are numeric in the atlas ontology
	sort.Slice(compartments, func(i, j int) bool {
		a, errA := strconv.Atoi(compartments[i].ID)
		b, errB := strconv.Atoi(compartments[j].ID)
		if errA == nil && errB == nil {
			return a < b
		}
		return compartments[i].ID < compartments[j].ID
	})
	return compartments, nil
}

// UpsertCompartments inserts or updates compartments in a batch transaction.
func (s *Store) UpsertCompartments(ctx context.Context, compartments []model.Compartment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO compartments (id, acronym, name, color) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET acronym = excluded.acronym, name = excluded.name, color = excluded.color
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range compartments {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Acronym, c.Name, c.Color); err != nil {
			return err
		}
	}
	return tx.Commit()
}
