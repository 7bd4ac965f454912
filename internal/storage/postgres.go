package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/technician-matching/internal/models"
)

const uniqueViolation = "23505"

const matchingColumns = `id, reservation_id, status, search_radius_km, max_distance_km, priority_factors, attempts,
	technician_id, matched_at, estimated_arrival, request_expiry, failure_reason, warning, started_at, created_at, updated_at`

const requestColumns = `id, matching_id, technician_id, status, distance_km, score, request_expiry, responded_at,
	decline_reason, created_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func activeStatuses() pq.StringArray {
	out := make(pq.StringArray, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// CreateMatching checks for an active matching and inserts within one
// transaction; the partial unique index on (reservation_id) for active
// statuses catches the remaining race between concurrent transactions.
func (p *PostgresStore) CreateMatching(ctx context.Context, m *models.Matching) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM matchings WHERE reservation_id = $1 AND status = ANY($2) FOR UPDATE`,
		m.ReservationID, activeStatuses()).Scan(&existing)
	switch {
	case err == nil:
		return ErrActiveMatchingExists
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check active matching: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO matchings(`+matchingColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.ReservationID, string(m.Status), m.SearchRadiusKm, m.MaxDistanceKm, factorArray(m.PriorityFactors), m.Attempts,
		nullString(m.TechnicianID), m.MatchedAt, m.EstimatedArrival, m.RequestExpiry, m.FailureReason, m.Warning, m.StartedAt, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrActiveMatchingExists
	}
	if err != nil {
		return fmt.Errorf("insert matching: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetMatching(ctx context.Context, id string) (*models.Matching, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+matchingColumns+` FROM matchings WHERE id = $1`, id)
	return scanMatching(row)
}

func (p *PostgresStore) GetLatestByReservation(ctx context.Context, reservationID string) (*models.Matching, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+matchingColumns+` FROM matchings WHERE reservation_id = $1 ORDER BY created_at DESC LIMIT 1`, reservationID)
	return scanMatching(row)
}

func (p *PostgresStore) UpdateMatching(ctx context.Context, m *models.Matching) error {
	res, err := p.db.ExecContext(ctx, `UPDATE matchings SET status=$1, search_radius_km=$2, max_distance_km=$3, priority_factors=$4,
		attempts=$5, technician_id=$6, matched_at=$7, estimated_arrival=$8, request_expiry=$9, failure_reason=$10, warning=$11,
		started_at=$12, updated_at=$13 WHERE id=$14`,
		string(m.Status), m.SearchRadiusKm, m.MaxDistanceKm, factorArray(m.PriorityFactors), m.Attempts, nullString(m.TechnicianID),
		m.MatchedAt, m.EstimatedArrival, m.RequestExpiry, m.FailureReason, m.Warning, m.StartedAt, m.UpdatedAt, m.ID)
	if isUniqueViolation(err) {
		return ErrActiveMatchingExists
	}
	if err != nil {
		return fmt.Errorf("update matching: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMatchingNotFound
	}
	return nil
}

func (p *PostgresStore) ListActiveStartedBefore(ctx context.Context, t time.Time) ([]*models.Matching, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+matchingColumns+` FROM matchings WHERE status = ANY($1) AND started_at < $2 ORDER BY started_at`,
		activeStatuses(), t)
	if err != nil {
		return nil, fmt.Errorf("list active matchings: %w", err)
	}
	defer rows.Close()
	out := make([]*models.Matching, 0)
	for rows.Next() {
		m, err := scanMatching(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.MatchingRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO matching_requests(`+requestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.MatchingID, r.TechnicianID, string(r.Status), r.DistanceKm, r.Score, r.RequestExpiry, r.RespondedAt, r.DeclineReason, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrPendingRequestExists
	}
	if err != nil {
		return fmt.Errorf("insert matching request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.MatchingRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM matching_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) ListRequests(ctx context.Context, matchingID string) ([]*models.MatchingRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM matching_requests WHERE matching_id = $1 ORDER BY created_at`, matchingID)
	if err != nil {
		return nil, fmt.Errorf("list matching requests: %w", err)
	}
	defer rows.Close()
	out := make([]*models.MatchingRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveRequest(ctx context.Context, id string, status models.RequestStatus, reason *string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE matching_requests SET status=$1, decline_reason=$2, responded_at=$3 WHERE id=$4 AND status='pending'`,
		string(status), reason, at, id)
	if err != nil {
		return fmt.Errorf("resolve matching request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := p.GetRequest(ctx, id); err != nil {
		return err
	}
	return ErrRequestNotPending
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatching(s scanner) (*models.Matching, error) {
	var (
		m          models.Matching
		status     string
		factors    pq.StringArray
		techID     sql.NullString
		matchedAt  sql.NullTime
		eta        sql.NullTime
		reqExpiry  sql.NullTime
		failReason sql.NullString
		warning    sql.NullString
	)
	err := s.Scan(&m.ID, &m.ReservationID, &status, &m.SearchRadiusKm, &m.MaxDistanceKm, &factors, &m.Attempts,
		&techID, &matchedAt, &eta, &reqExpiry, &failReason, &warning, &m.StartedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatchingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan matching: %w", err)
	}
	m.Status = models.MatchingStatus(status)
	m.PriorityFactors = make([]models.Factor, len(factors))
	for i, f := range factors {
		m.PriorityFactors[i] = models.Factor(f)
	}
	m.TechnicianID = techID.String
	m.MatchedAt = timePtr(matchedAt)
	m.EstimatedArrival = timePtr(eta)
	m.RequestExpiry = timePtr(reqExpiry)
	m.FailureReason = failReason.String
	m.Warning = warning.String
	return &m, nil
}

func scanRequest(s scanner) (*models.MatchingRequest, error) {
	var (
		r           models.MatchingRequest
		status      string
		respondedAt sql.NullTime
		reason      sql.NullString
	)
	err := s.Scan(&r.ID, &r.MatchingID, &r.TechnicianID, &status, &r.DistanceKm, &r.Score, &r.RequestExpiry, &respondedAt, &reason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan matching request: %w", err)
	}
	r.Status = models.RequestStatus(status)
	r.RespondedAt = timePtr(respondedAt)
	if reason.Valid {
		r.DeclineReason = &reason.String
	}
	return &r, nil
}

func factorArray(fs []models.Factor) pq.StringArray {
	out := make(pq.StringArray, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
