package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intent-service/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned when a training run id is unknown.
var ErrRunNotFound = errors.New("training run not found")

// StoreWriteError is returned when an interaction could not be logged.
type StoreWriteError struct {
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("failed to log interaction: %v", e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// Repository stores interactions and training runs.
type Repository struct {
	db         *sqlx.DB
	logger     *zap.Logger
	maxRetries uint64
}

// NewRepository wraps an opened, migrated database.
func NewRepository(db *sqlx.DB, maxRetries int, logger *zap.Logger) *Repository {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Repository{db: db, logger: logger, maxRetries: uint64(maxRetries)}
}

// DB exposes the underlying handle for health checks.
func (r *Repository) DB() *sqlx.DB { return r.db }

// Append logs one interaction. Validation failures are not retried;
// database failures are retried with exponential backoff.
func (r *Repository) Append(ctx context.Context, in *models.Interaction) error {
	if err := in.Validate(); err != nil {
		return &StoreWriteError{Err: err}
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	in.Timestamp = in.Timestamp.UTC()

	query := r.db.Rebind(`
		INSERT INTO interactions (user_input, assistant_response, command_type, timestamp, confidence)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)

	attempt := 0
	op := func() error {
		attempt++
		err := r.db.QueryRowxContext(ctx, query,
			in.InputText,
			in.ResponseText,
			string(in.CommandType),
			in.Timestamp,
			in.Confidence,
		).Scan(&in.ID)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Debug("Interaction insert failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return &StoreWriteError{Err: err}
	}
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// All returns every interaction in insertion order. The rows come from a
// single statement, so rows appended while it runs are not included.
func (r *Repository) All(ctx context.Context) ([]models.Interaction, error) {
	var rows []models.Interaction
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, user_input, assistant_response, command_type, timestamp, confidence
		FROM interactions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions: %w", err)
	}
	for i := range rows {
		rows[i].CommandType = models.CommandTypeOrUnknown(string(rows[i].CommandType))
	}
	return rows, nil
}

// List returns a page of interactions, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows := []models.Interaction{}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, user_input, assistant_response, command_type, timestamp, confidence
		FROM interactions
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	for i := range rows {
		rows[i].CommandType = models.CommandTypeOrUnknown(string(rows[i].CommandType))
	}
	return rows, nil
}

// Stats summarizes the log: total count, count per label and the most
// recent rows.
func (r *Repository) Stats(ctx context.Context, recent int) (*models.InteractionStats, error) {
	if recent <= 0 {
		recent = 10
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	stats := &models.InteractionStats{
		CommandTypes:   make(map[models.CommandType]int),
		RecentActivity: []models.RecentInteraction{},
	}

	if err := tx.GetContext(ctx, &stats.TotalInteractions, `SELECT COUNT(*) FROM interactions`); err != nil {
		return nil, fmt.Errorf("failed to count interactions: %w", err)
	}

	var counts []struct {
		CommandType string `db:"command_type"`
		Count       int    `db:"count"`
	}
	if err := tx.SelectContext(ctx, &counts, `
		SELECT command_type, COUNT(*) AS count
		FROM interactions
		GROUP BY command_type
	`); err != nil {
		return nil, fmt.Errorf("failed to count command types: %w", err)
	}
	for _, c := range counts {
		stats.CommandTypes[models.CommandTypeOrUnknown(c.CommandType)] += c.Count
	}

	if err := tx.SelectContext(ctx, &stats.RecentActivity, tx.Rebind(`
		SELECT user_input, command_type, timestamp
		FROM interactions
		ORDER BY id DESC
		LIMIT ?
	`), recent); err != nil {
		return nil, fmt.Errorf("failed to load recent activity: %w", err)
	}
	for i := range stats.RecentActivity {
		ra := &stats.RecentActivity[i]
		ra.CommandType = models.CommandTypeOrUnknown(string(ra.CommandType))
	}

	return stats, nil
}

type runRow struct {
	models.TrainingRun
	ReportJSON sql.NullString `db:"report"`
}

// SaveRun inserts a new training run record.
func (r *Repository) SaveRun(ctx context.Context, run *models.TrainingRun) error {
	report, err := encodeReport(run.Report)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO training_runs (
			id, state, triggered_by, started_at, finished_at, artifact_version, accuracy,
			sample_count, train_count, validation_count, excluded_unknown,
			used_seed_corpus, error_message, report
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		run.ID, string(run.State), run.Trigger, run.StartedAt.UTC(), utcPtr(run.FinishedAt),
		run.ArtifactVersion, run.Accuracy, run.SampleCount, run.TrainCount,
		run.ValidationCount, run.ExcludedUnknown, run.UsedSeedCorpus, run.ErrorMessage, report,
	)
	if err != nil {
		return fmt.Errorf("failed to save training run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a training run.
func (r *Repository) UpdateRun(ctx context.Context, run *models.TrainingRun) error {
	report, err := encodeReport(run.Report)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE training_runs
		SET state = ?, finished_at = ?, artifact_version = ?, accuracy = ?,
		    sample_count = ?, train_count = ?, validation_count = ?, excluded_unknown = ?,
		    used_seed_corpus = ?, error_message = ?, report = ?
		WHERE id = ?
	`),
		string(run.State), utcPtr(run.FinishedAt), run.ArtifactVersion, run.Accuracy,
		run.SampleCount, run.TrainCount, run.ValidationCount, run.ExcludedUnknown,
		run.UsedSeedCorpus, run.ErrorMessage, report, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update training run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun returns one training run with its report.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.TrainingRun, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, state, triggered_by, started_at, finished_at, artifact_version, accuracy,
		       sample_count, train_count, validation_count, excluded_unknown,
		       used_seed_corpus, error_message, report
		FROM training_runs
		WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get training run: %w", err)
	}
	return row.decode()
}

// ListRuns returns the most recent training runs without their reports.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	runs := []models.TrainingRun{}
	err := r.db.SelectContext(ctx, &runs, r.db.Rebind(`
		SELECT id, state, triggered_by, started_at, finished_at, artifact_version, accuracy,
		       sample_count, train_count, validation_count, excluded_unknown,
		       used_seed_corpus, error_message
		FROM training_runs
		ORDER BY started_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	return runs, nil
}

func (row *runRow) decode() (*models.TrainingRun, error) {
	run := row.TrainingRun
	if row.ReportJSON.Valid && row.ReportJSON.String != "" {
		var report models.TrainingReport
		if err := json.Unmarshal([]byte(row.ReportJSON.String), &report); err != nil {
			return nil, fmt.Errorf("failed to decode training report: %w", err)
		}
		run.Report = &report
	}
	return &run, nil
}

func encodeReport(report *models.TrainingReport) (any, error) {
	if report == nil {
		return nil, nil
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training report: %w", err)
	}
	return string(raw), nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
