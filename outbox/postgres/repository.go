package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexolith/eventflow"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/opentelemetry"
	"github.com/nexolith/eventflow/outbox"
	"github.com/nexolith/eventflow/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrIDRequired               = errors.New("id is required")
	ErrBatchSizePositive        = errors.New("batch size must be greater than zero")
	ErrMaxRetriesPositive       = errors.New("maxRetries must be greater than zero")
	ErrStateConflict            = errors.New("outbox entry state conflict")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
	defaultClaimTTL           = 5 * time.Minute

	entryColumns = "id, event_id, event_type, aggregate_id, aggregate_type, routing_key, " +
		"payload, source, correlation_id, created_at, published, published_at, retry_count, last_error"
)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// WithClaimTTL sets how long a claim taken by GetPending stays valid.
// Entries claimed by a relay that crashed become selectable again once
// the lease expires.
func WithClaimTTL(ttl time.Duration) Option {
	return func(repo *Repository) {
		if ttl > 0 {
			repo.claimTTL = ttl
		}
	}
}

// WithInstanceID identifies the claiming relay instance in claimed_by.
func WithInstanceID(instanceID string) Option {
	return func(repo *Repository) {
		if strings.TrimSpace(instanceID) != "" {
			repo.instanceID = instanceID
		}
	}
}

// Repository persists outbox entries in PostgreSQL.
type Repository struct {
	client             *postgres.Connection
	logger             log.Logger
	tableName          string
	instanceID         string
	transactionTimeout time.Duration
	claimTTL           time.Duration
}

var _ outbox.Store = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox store.
func NewRepository(client *postgres.Connection, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             log.NewNop(),
		tableName:          "outbox_entries",
		instanceID:         uuid.NewString(),
		transactionTimeout: defaultTransactionTimeout,
		claimTTL:           defaultClaimTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if nilcheck.Interface(repo.logger) {
		repo.logger = log.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_entries"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Add stores a new entry using its own transaction.
func (repo *Repository) Add(ctx context.Context, entry *outbox.Entry) (*outbox.Entry, error) {
	return repo.add(ctx, nil, entry)
}

// AddWithTx stores a new entry inside the caller's transaction, so the
// entry commits or rolls back together with the business mutation.
func (repo *Repository) AddWithTx(ctx context.Context, tx outbox.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	return repo.add(ctx, tx, entry)
}

func (repo *Repository) add(ctx context.Context, tx *sql.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := validateAddEntry(entry); err != nil {
		return nil, err
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.add_outbox_entry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*outbox.Entry, error) {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (event_id, event_type, aggregate_id, aggregate_type, routing_key, payload, source, correlation_id, created_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING " + entryColumns

		row := execTx.QueryRowContext(ctx, query,
			entry.EventID,
			strings.TrimSpace(entry.EventType),
			entry.AggregateID,
			entry.AggregateType,
			strings.TrimSpace(entry.RoutingKey),
			entry.Payload,
			entry.Source,
			entry.CorrelationID,
			createdAt,
		)

		return scanEntry(row)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to add outbox entry", err)
		repo.logError(ctx, "failed to add outbox entry", err)

		return nil, fmt.Errorf("adding outbox entry: %w", err)
	}

	return result, nil
}

// GetPending claims up to batchSize deliverable entries in creation
// order. Claimed rows carry a lease so a crashed relay does not block
// them forever, and SKIP LOCKED keeps concurrent relays off each
// other's batches.
func (repo *Repository) GetPending(ctx context.Context, batchSize, maxRetries int) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if batchSize <= 0 {
		return nil, ErrBatchSizePositive
	}

	if maxRetries <= 0 {
		return nil, ErrMaxRetriesPositive
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_pending_entries")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		entries, err := repo.selectPendingRows(ctx, tx, batchSize, maxRetries)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		if err := repo.claimEntries(ctx, tx, collectEntryIDs(entries)); err != nil {
			return nil, err
		}

		return entries, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to get pending entries", err)
		repo.logError(ctx, "failed to get pending entries", err)

		return nil, fmt.Errorf("getting pending entries: %w", err)
	}

	return result, nil
}

// GetByEventID retrieves an entry by its event id.
func (repo *Repository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if eventID == uuid.Nil {
		return nil, outbox.ErrEventIDRequired
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_entry_by_event_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE event_id = $1"

		return scanEntry(tx.QueryRowContext(ctx, query, eventID))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEntryNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get outbox entry", err)
		repo.logError(ctx, "failed to get outbox entry", err)

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return result, nil
}

// MarkPublished transitions an entry to its terminal published state.
// Idempotent: published_at is set once and later calls leave it intact.
func (repo *Repository) MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id <= 0 {
		return ErrIDRequired
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_entry_published")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET published = TRUE, " +
			"published_at = COALESCE(published_at, $1), " +
			"claimed_at = NULL, claimed_by = NULL WHERE id = $2"

		result, execErr := tx.ExecContext(ctx, query, publishedAt.UTC(), id)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, outbox.ErrEntryNotFound)
	})
	if err != nil {
		if errors.Is(err, outbox.ErrEntryNotFound) {
			return err
		}

		opentelemetry.HandleSpanError(span, "failed to mark entry published", err)
		repo.logError(ctx, "failed to mark entry published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records one failed delivery attempt. The retry counter
// increments, the sanitized error message replaces the previous one, and
// the claim lease is released so the next cycle can pick the entry up.
func (repo *Repository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id <= 0 {
		return ErrIDRequired
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_entry_failed")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET retry_count = retry_count + 1, last_error = $1, " +
			"claimed_at = NULL, claimed_by = NULL WHERE id = $2 AND published = FALSE"

		result, execErr := tx.ExecContext(ctx, query, errMsg, id)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, ErrStateConflict)
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return err
		}

		opentelemetry.HandleSpanError(span, "failed to mark entry failed", err)
		repo.logError(ctx, "failed to mark entry failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// CountExhausted counts unpublished entries whose retry budget is spent.
func (repo *Repository) CountExhausted(ctx context.Context, maxRetries int) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if maxRetries <= 0 {
		return 0, ErrMaxRetriesPositive
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.count_exhausted_entries")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT COUNT(*) FROM " + table + " WHERE published = FALSE AND retry_count >= $1"

		var count int64
		if err := tx.QueryRowContext(ctx, query, maxRetries).Scan(&count); err != nil {
			return 0, fmt.Errorf("counting exhausted entries: %w", err)
		}

		return count, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to count exhausted entries", err)
		repo.logError(ctx, "failed to count exhausted entries", err)

		return 0, fmt.Errorf("counting exhausted: %w", err)
	}

	return result, nil
}

// ResetForRetry zeroes the retry counter of an unpublished entry so the
// relay picks it up again. Operator remediation for exhausted entries.
func (repo *Repository) ResetForRetry(ctx context.Context, eventID uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if eventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_entry_for_retry")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET retry_count = 0, last_error = '', " +
			"claimed_at = NULL, claimed_by = NULL WHERE event_id = $1 AND published = FALSE"

		result, execErr := tx.ExecContext(ctx, query, eventID)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, outbox.ErrEntryNotFound)
	})
	if err != nil {
		if errors.Is(err, outbox.ErrEntryNotFound) {
			return err
		}

		opentelemetry.HandleSpanError(span, "failed to reset entry for retry", err)
		repo.logError(ctx, "failed to reset entry for retry", err)

		return fmt.Errorf("resetting for retry: %w", err)
	}

	return nil
}

func (repo *Repository) selectPendingRows(
	ctx context.Context,
	tx *sql.Tx,
	batchSize, maxRetries int,
) ([]*outbox.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + entryColumns + " FROM " + table +
		" WHERE published = FALSE AND retry_count < $1 AND (claimed_at IS NULL OR claimed_at <= $2)" +
		" ORDER BY created_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	staleBefore := time.Now().UTC().Add(-repo.claimTTL)

	rows, err := tx.QueryContext(ctx, query, maxRetries, staleBefore, batchSize)
	if err != nil {
		return nil, fmt.Errorf("querying pending entries: %w", err)
	}

	defer rows.Close()

	entries := make([]*outbox.Entry, 0, batchSize)

	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}

func (repo *Repository) claimEntries(ctx context.Context, tx *sql.Tx, ids []int64) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET claimed_at = $1, claimed_by = $2 WHERE id = ANY($3::bigint[])"

	result, err := tx.ExecContext(ctx, query, time.Now().UTC(), repo.instanceID, ids)
	if err != nil {
		return fmt.Errorf("claiming entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows != int64(len(ids)) {
		return ErrStateConflict
	}

	return nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) logError(ctx context.Context, message string, err error) {
	if nilcheck.Interface(repo.logger) || err == nil {
		return
	}

	repo.logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if tx != nil {
		return fn(tx)
	}

	db, err := repo.client.GetDB(ctx)
	if err != nil {
		return zero, fmt.Errorf("getting database handle: %w", err)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var (
		entry       outbox.Entry
		publishedAt sql.NullTime
		lastError   sql.NullString
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.EventID,
		&entry.EventType,
		&entry.AggregateID,
		&entry.AggregateType,
		&entry.RoutingKey,
		&entry.Payload,
		&entry.Source,
		&entry.CorrelationID,
		&entry.CreatedAt,
		&entry.Published,
		&publishedAt,
		&entry.RetryCount,
		&lastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	if publishedAt.Valid {
		publishedAtValue := publishedAt.Time
		entry.PublishedAt = &publishedAtValue
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	return &entry, nil
}

func validateAddEntry(entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if entry.EventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	if strings.TrimSpace(entry.EventType) == "" {
		return outbox.ErrEventTypeRequired
	}

	if strings.TrimSpace(entry.RoutingKey) == "" {
		return outbox.ErrRoutingKeyRequired
	}

	if len(entry.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	if len(entry.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrPayloadTooLarge
	}

	if !json.Valid(entry.Payload) {
		return outbox.ErrPayloadNotJSON
	}

	return nil
}

func collectEntryIDs(entries []*outbox.Entry) []int64 {
	ids := make([]int64, 0, len(entries))

	for _, entry := range entries {
		if entry == nil {
			continue
		}

		ids = append(ids, entry.ID)
	}

	return ids
}

func ensureRowsAffected(result sql.Result, whenZero error) error {
	if result == nil {
		return whenZero
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return whenZero
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
