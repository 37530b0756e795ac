package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/trust"
)

// retryCadence is the minimum spacing between attempts on one resource.
const retryCadence = 24 * time.Hour

const keyLastProcessedBlock = "lastProcessedBlock"

// schema is portable across Postgres and SQLite: epoch-second BIGINT
// timestamps, TEXT payloads, $N placeholders everywhere.
const schema = `
CREATE TABLE IF NOT EXISTS trust_results (
	did TEXT PRIMARY KEY,
	trust_status TEXT NOT NULL,
	production BOOLEAN NOT NULL,
	evaluated_at BIGINT NOT NULL,
	evaluated_block BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_results_expires ON trust_results(expires_at);

CREATE TABLE IF NOT EXISTS credential_results (
	did TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	result_status TEXT NOT NULL,
	ecs_type TEXT,
	schema_id BIGINT,
	issuer_did TEXT,
	presented_by TEXT,
	issued_by TEXT,
	perm_id BIGINT,
	error_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_credential_results_did ON credential_results(did);

CREATE TABLE IF NOT EXISTS reattemptable (
	resource_id TEXT PRIMARY KEY,
	resource_type TEXT NOT NULL,
	owner_did TEXT NOT NULL,
	first_failure BIGINT NOT NULL,
	last_retry BIGINT NOT NULL,
	error_type TEXT NOT NULL,
	retry_count BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS resolver_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLStore implements Store on database/sql. The statements stick to the
// dialect intersection of lib/pq and modernc sqlite, so the same code
// backs both the full and the lite deployment.
type SQLStore struct {
	db  *sql.DB
	log *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened database handle.
func NewSQLStore(db *sql.DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, log: logger.With("component", "state_store")}
}

// Init creates the tables and indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("state: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertResults writes the batch in one transaction: the result row, then
// a full replace of its credential rows. Failed credentials are stored as
// FAILED rows with the error folded into error_reason.
func (s *SQLStore) UpsertResults(ctx context.Context, results []*trust.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	credStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO credential_results
			(did, credential_id, result_status, ecs_type, schema_id, issuer_did, presented_by, issued_by, perm_id, error_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("state: prepare credential insert: %w", err)
	}
	defer func() { _ = credStmt.Close() }()

	for _, res := range results {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("state: marshal result for %s: %w", res.Did, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trust_results (did, trust_status, production, evaluated_at, evaluated_block, expires_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (did) DO UPDATE SET
				trust_status = excluded.trust_status,
				production = excluded.production,
				evaluated_at = excluded.evaluated_at,
				evaluated_block = excluded.evaluated_block,
				expires_at = excluded.expires_at,
				payload = excluded.payload
		`, res.Did, string(res.Status), res.Production,
			res.EvaluatedAt.Unix(), res.EvaluatedAtBlock, res.ExpiresAt.Unix(), string(payload))
		if err != nil {
			return fmt.Errorf("state: upsert trust result %s: %w", res.Did, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM credential_results WHERE did = $1`, res.Did); err != nil {
			return fmt.Errorf("state: clear credential rows %s: %w", res.Did, err)
		}
		for i := range res.Credentials {
			c := &res.Credentials[i]
			_, err := credStmt.ExecContext(ctx, res.Did, c.CredentialID, string(c.Result),
				string(c.EcsType), c.SchemaID, c.IssuedBy, c.PresentedBy, c.IssuedBy, c.PermID, "")
			if err != nil {
				return fmt.Errorf("state: insert credential row %s: %w", res.Did, err)
			}
		}
		for i := range res.FailedCredentials {
			f := &res.FailedCredentials[i]
			reason := string(f.Code)
			if f.Reason != "" {
				reason += ": " + f.Reason
			}
			_, err := credStmt.ExecContext(ctx, res.Did, f.CredentialID, "FAILED",
				"", 0, "", "", "", 0, reason)
			if err != nil {
				return fmt.Errorf("state: insert failed credential row %s: %w", res.Did, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit upsert: %w", err)
	}
	return nil
}

// TrustResult loads the serialized result for one DID.
func (s *SQLStore) TrustResult(ctx context.Context, did string) (*trust.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM trust_results WHERE did = $1`, did).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", did, ErrNoResult)
	}
	if err != nil {
		return nil, fmt.Errorf("state: load trust result %s: %w", did, err)
	}
	var res trust.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("state: decode trust result %s: %w", did, err)
	}
	return &res, nil
}

// ListExpiring returns DIDs whose result expires at or before cutoff.
func (s *SQLStore) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did FROM trust_results
		WHERE expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("state: list expiring: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dids []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("state: scan expiring row: %w", err)
		}
		dids = append(dids, d)
	}
	return dids, rows.Err()
}

func (s *SQLStore) AddReattemptable(ctx context.Context, id, ownerDid string, typ ResourceType, errType ErrorType) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reattemptable (resource_id, resource_type, owner_did, first_failure, last_retry, error_type, retry_count)
		VALUES ($1, $2, $3, $4, $4, $5, 0)
		ON CONFLICT (resource_id) DO UPDATE SET
			retry_count = reattemptable.retry_count + 1,
			last_retry = excluded.last_retry,
			resource_type = excluded.resource_type,
			error_type = excluded.error_type
	`, id, string(typ), ownerDid, now, string(errType))
	if err != nil {
		return fmt.Errorf("state: upsert reattempt %s: %w", id, err)
	}
	return nil
}

const reattemptColumns = `resource_id, resource_type, owner_did, first_failure, last_retry, error_type, retry_count`

func (s *SQLStore) RetryEligible(ctx context.Context, maxAge time.Duration) ([]Reattempt, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reattemptColumns+` FROM reattemptable
		WHERE last_retry < $1 AND first_failure > $2
		ORDER BY last_retry ASC
		LIMIT 100
	`, now.Add(-retryCadence).Unix(), now.Add(-maxAge).Unix())
	if err != nil {
		return nil, fmt.Errorf("state: list retry eligible: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanReattempts(rows)
}

func (s *SQLStore) RemoveReattemptable(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reattemptable WHERE resource_id = $1`, id); err != nil {
		return fmt.Errorf("state: remove reattempt %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) CleanupExpiredRetries(ctx context.Context, maxAge time.Duration) ([]Reattempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM reattemptable
		WHERE first_failure <= $1
		RETURNING `+reattemptColumns+`
	`, time.Now().UTC().Add(-maxAge).Unix())
	if err != nil {
		return nil, fmt.Errorf("state: cleanup expired retries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanReattempts(rows)
}

func scanReattempts(rows *sql.Rows) ([]Reattempt, error) {
	var out []Reattempt
	for rows.Next() {
		var r Reattempt
		var typ, errType string
		var first, last int64
		if err := rows.Scan(&r.ResourceID, &typ, &r.OwnerDid, &first, &last, &errType, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("state: scan reattempt row: %w", err)
		}
		r.Type = ResourceType(typ)
		r.ErrorType = ErrorType(errType)
		r.FirstFailure = time.Unix(first, 0).UTC()
		r.LastRetry = time.Unix(last, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) LastProcessedBlock(ctx context.Context) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM resolver_state WHERE key = $1`, keyLastProcessedBlock).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: load last processed block: %w", err)
	}
	height, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state: corrupt last processed block %q: %w", value, err)
	}
	return height, nil
}

// SetLastProcessedBlock writes the cursor with a monotonic guard: equal
// re-writes are fine (crash replay), moving backwards is refused.
func (s *SQLStore) SetLastProcessedBlock(ctx context.Context, height int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO resolver_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		WHERE CAST(resolver_state.value AS BIGINT) <= CAST(excluded.value AS BIGINT)
	`, keyLastProcessedBlock, strconv.FormatInt(height, 10))
	if err != nil {
		return fmt.Errorf("state: set last processed block: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: set last processed block: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("state: refusing to move last processed block backwards to %d", height)
	}
	return nil
}
