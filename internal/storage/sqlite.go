package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    username       TEXT PRIMARY KEY,
    display_name   TEXT NOT NULL,
    wallet_address TEXT,
    points         REAL NOT NULL DEFAULT 0 CHECK (points >= 0),
    created_at     TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_wallet_lower_idx ON users (lower(wallet_address));

CREATE TABLE IF NOT EXISTS claims (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL,
    category        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    resolution_type TEXT NOT NULL DEFAULT 'manual',
    resolution_date TEXT,
    oracle_config   TEXT,
    created_by      TEXT,
    created_at      TEXT NOT NULL,
    resolved_at     TEXT
);

CREATE TABLE IF NOT EXISTS positions (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    claim_id   TEXT NOT NULL,
    username   TEXT NOT NULL,
    side       TEXT NOT NULL,
    stake      REAL NOT NULL,
    confidence REAL NOT NULL,
    reasoning  TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_claim_idx ON positions (claim_id);
CREATE INDEX IF NOT EXISTS positions_user_idx ON positions (username);`

	liteUserColumns     = `username, display_name, wallet_address, points, created_at`
	liteClaimColumns    = `id, title, description, category, status, resolution_type, resolution_date, oracle_config, created_by, created_at, resolved_at`
	litePositionColumns = `id, claim_id, username, side, stake, confidence, reasoning, created_at`
)

// OpenSQLite creates or opens a SQLite database and applies the schema.
// The special path ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "data/oracle-market.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// SQLiteStore is a file-backed Store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetUser returns the user keyed by username.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteUserColumns+` FROM users WHERE username = ?`, username)
	user, err := scanLiteUser(row)
	return user, notFound(err, "get user")
}

// GetUserByWallet looks a user up by wallet address, ignoring case.
func (s *SQLiteStore) GetUserByWallet(ctx context.Context, address string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteUserColumns+` FROM users WHERE lower(wallet_address) = lower(?)`, address)
	user, err := scanLiteUser(row)
	return user, notFound(err, "get user by wallet")
}

// ListUsers lists users in insertion order.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+liteUserColumns+` FROM users ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, scanErr := scanLiteUser(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// AddUser inserts a user.
func (s *SQLiteStore) AddUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+liteUserColumns+`) VALUES (?,?,?,?,?)`,
		user.Username, user.DisplayName, nullString(user.WalletAddress), user.Points, formatTime(user.CreatedAt),
	)
	if isLiteConstraint(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser replaces an existing user.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ?, wallet_address = ?, points = ? WHERE username = ?`,
		user.DisplayName, nullString(user.WalletAddress), user.Points, user.Username,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireAffected(res)
}

// AdjustPoints adds delta to a balance in a single statement.
func (s *SQLiteStore) AdjustPoints(ctx context.Context, username string, delta float64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET points = points + ? WHERE username = ? AND points + ? >= 0 RETURNING `+liteUserColumns,
		delta, username, delta,
	)
	user, err := scanLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetUser(ctx, username); getErr != nil {
			return User{}, getErr
		}
		return User{}, ErrInsufficientPoints
	}
	if err != nil {
		return User{}, fmt.Errorf("adjust points: %w", err)
	}
	return user, nil
}

// GetClaim returns the claim keyed by id.
func (s *SQLiteStore) GetClaim(ctx context.Context, id string) (Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+liteClaimColumns+` FROM claims WHERE id = ?`, id)
	claim, err := scanLiteClaim(row)
	return claim, notFound(err, "get claim")
}

// ListClaims lists claims in insertion order.
func (s *SQLiteStore) ListClaims(ctx context.Context) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+liteClaimColumns+` FROM claims ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	claims := make([]Claim, 0)
	for rows.Next() {
		claim, scanErr := scanLiteClaim(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// AddClaim inserts a claim.
func (s *SQLiteStore) AddClaim(ctx context.Context, claim Claim) error {
	oracleJSON, err := encodeOracle(claim.Oracle)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claims (`+liteClaimColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		claim.ID, claim.Title, claim.Description, claim.Category,
		string(claim.Status), string(claim.ResolutionType),
		nullTime(claim.ResolutionDate), nullBytes(oracleJSON), nullString(claim.CreatedBy),
		formatTime(claim.CreatedAt), nullTime(claim.ResolvedAt),
	)
	if isLiteConstraint(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// UpdateClaim replaces an existing claim without reverting a resolved status.
func (s *SQLiteStore) UpdateClaim(ctx context.Context, claim Claim) error {
	oracleJSON, err := encodeOracle(claim.Oracle)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET title = ?, description = ?, category = ?, status = ?, resolution_type = ?,
            resolution_date = ?, oracle_config = ?, created_by = ?, resolved_at = ?
        WHERE id = ? AND (status = 'active' OR status = ?)`,
		claim.Title, claim.Description, claim.Category, string(claim.Status), string(claim.ResolutionType),
		nullTime(claim.ResolutionDate), nullBytes(oracleJSON), nullString(claim.CreatedBy), nullTime(claim.ResolvedAt),
		claim.ID, string(claim.Status),
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return s.claimMissingOrResolved(ctx, claim.ID)
	}
	return nil
}

// DeleteClaim removes a claim.
func (s *SQLiteStore) DeleteClaim(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return requireAffected(res)
}

// MarkResolved performs the active -> resolved transition as a conditional update.
func (s *SQLiteStore) MarkResolved(ctx context.Context, id string, status ClaimStatus, resolvedAt time.Time) (Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE claims SET status = ?, resolved_at = ? WHERE id = ? AND status = 'active' RETURNING `+liteClaimColumns,
		string(status), formatTime(resolvedAt), id,
	)
	claim, err := scanLiteClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, s.claimMissingOrResolved(ctx, id)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("mark resolved: %w", err)
	}
	return claim, nil
}

func (s *SQLiteStore) claimMissingOrResolved(ctx context.Context, id string) error {
	if _, err := s.GetClaim(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// GetPositionsForClaim lists positions on a claim.
func (s *SQLiteStore) GetPositionsForClaim(ctx context.Context, claimID string) ([]Position, error) {
	return s.queryPositions(ctx, `SELECT `+litePositionColumns+` FROM positions WHERE claim_id = ? ORDER BY seq`, claimID)
}

// GetPositionsForUser lists a user's positions.
func (s *SQLiteStore) GetPositionsForUser(ctx context.Context, username string) ([]Position, error) {
	return s.queryPositions(ctx, `SELECT `+litePositionColumns+` FROM positions WHERE username = ? ORDER BY seq`, username)
}

// ListPositions lists all positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]Position, error) {
	return s.queryPositions(ctx, `SELECT `+litePositionColumns+` FROM positions ORDER BY seq`)
}

// AddPosition inserts a position.
func (s *SQLiteStore) AddPosition(ctx context.Context, position Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (`+litePositionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		position.ID, position.ClaimID, position.Username, string(position.Side),
		position.Stake, position.Confidence, nullString(position.Reasoning), formatTime(position.CreatedAt),
	)
	if isLiteConstraint(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0)
	for rows.Next() {
		var (
			p         Position
			side      string
			reasoning sql.NullString
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.ClaimID, &p.Username, &side, &p.Stake, &p.Confidence, &reasoning, &createdAt); err != nil {
			return nil, err
		}
		p.Side = Side(side)
		if reasoning.Valid {
			v := reasoning.String
			p.Reasoning = &v
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanLiteUser(row rowScanner) (User, error) {
	var (
		user      User
		wallet    sql.NullString
		createdAt string
	)
	if err := row.Scan(&user.Username, &user.DisplayName, &wallet, &user.Points, &createdAt); err != nil {
		return User{}, err
	}
	if wallet.Valid {
		v := wallet.String
		user.WalletAddress = &v
	}
	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return user, nil
}

func scanLiteClaim(row rowScanner) (Claim, error) {
	var (
		claim          Claim
		status         string
		resolutionType string
		resolutionDate sql.NullString
		oracleJSON     sql.NullString
		createdBy      sql.NullString
		createdAt      string
		resolvedAt     sql.NullString
	)
	if err := row.Scan(
		&claim.ID,
		&claim.Title,
		&claim.Description,
		&claim.Category,
		&status,
		&resolutionType,
		&resolutionDate,
		&oracleJSON,
		&createdBy,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return Claim{}, err
	}
	claim.Status = ClaimStatus(status)
	claim.ResolutionType = ResolutionType(resolutionType)

	var err error
	if claim.CreatedAt, err = parseTime(createdAt); err != nil {
		return Claim{}, err
	}
	if claim.ResolutionDate, err = parseNullTime(resolutionDate); err != nil {
		return Claim{}, err
	}
	if claim.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return Claim{}, err
	}
	if createdBy.Valid {
		v := createdBy.String
		claim.CreatedBy = &v
	}
	if oracleJSON.Valid {
		if claim.Oracle, err = decodeOracle([]byte(oracleJSON.String)); err != nil {
			return Claim{}, err
		}
	}
	return claim, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBytes(v []byte) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
