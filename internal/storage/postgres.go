package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    username       TEXT PRIMARY KEY,
    display_name   TEXT NOT NULL,
    wallet_address TEXT,
    points         NUMERIC NOT NULL DEFAULT 0 CHECK (points >= 0),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_wallet_lower_idx ON users (lower(wallet_address));

CREATE TABLE IF NOT EXISTS claims (
    id              TEXT PRIMARY KEY,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL,
    category        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    resolution_type TEXT NOT NULL DEFAULT 'manual',
    resolution_date TIMESTAMPTZ,
    oracle_config   JSONB,
    created_by      TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
    id         TEXT PRIMARY KEY,
    claim_id   TEXT NOT NULL,
    username   TEXT NOT NULL,
    side       TEXT NOT NULL,
    stake      NUMERIC NOT NULL,
    confidence NUMERIC NOT NULL,
    reasoning  TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS positions_claim_idx ON positions (claim_id);
CREATE INDEX IF NOT EXISTS positions_user_idx ON positions (username);`

	pgUserColumns     = `username, display_name, wallet_address, points::text, created_at`
	pgClaimColumns    = `id, title, description, category, status, resolution_type, resolution_date, oracle_config, created_by, created_at, resolved_at`
	pgPositionColumns = `id, claim_id, username, side, stake::text, confidence::text, reasoning, created_at`

	pgGetUserSQL         = `SELECT ` + pgUserColumns + ` FROM users WHERE username = $1;`
	pgGetUserByWalletSQL = `SELECT ` + pgUserColumns + ` FROM users WHERE lower(wallet_address) = lower($1);`
	pgListUsersSQL       = `SELECT ` + pgUserColumns + ` FROM users ORDER BY created_at, username;`
	pgInsertUserSQL      = `INSERT INTO users (username, display_name, wallet_address, points, created_at) VALUES ($1,$2,$3,$4,$5);`
	pgUpdateUserSQL      = `UPDATE users SET display_name = $2, wallet_address = $3, points = $4 WHERE username = $1;`
	pgAdjustPointsSQL    = `UPDATE users SET points = points + $2
    WHERE username = $1 AND points + $2 >= 0
    RETURNING ` + pgUserColumns + `;`
	pgUserExistsSQL = `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1);`

	pgGetClaimSQL    = `SELECT ` + pgClaimColumns + ` FROM claims WHERE id = $1;`
	pgListClaimsSQL  = `SELECT ` + pgClaimColumns + ` FROM claims ORDER BY created_at, id;`
	pgInsertClaimSQL = `INSERT INTO claims (` + pgClaimColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`
	pgUpdateClaimSQL = `UPDATE claims SET
        title = $2, description = $3, category = $4, status = $5, resolution_type = $6,
        resolution_date = $7, oracle_config = $8, created_by = $9, resolved_at = $10
    WHERE id = $1 AND (status = 'active' OR status = $5);`
	pgDeleteClaimSQL  = `DELETE FROM claims WHERE id = $1;`
	pgClaimExistsSQL  = `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1);`
	pgMarkResolvedSQL = `UPDATE claims SET status = $2, resolved_at = $3
    WHERE id = $1 AND status = 'active'
    RETURNING ` + pgClaimColumns + `;`

	pgPositionsForClaimSQL = `SELECT ` + pgPositionColumns + ` FROM positions WHERE claim_id = $1 ORDER BY created_at, id;`
	pgPositionsForUserSQL  = `SELECT ` + pgPositionColumns + ` FROM positions WHERE username = $1 ORDER BY created_at, id;`
	pgListPositionsSQL     = `SELECT ` + pgPositionColumns + ` FROM positions ORDER BY created_at, id;`
	pgInsertPositionSQL    = `INSERT INTO positions (` + pgPositionColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	pgUniqueViolation = "23505"
)

// PostgresStore persists users, claims and positions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// GetUser returns the user keyed by username.
func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, pgGetUserSQL, username))
	return user, notFound(err, "get user")
}

// GetUserByWallet looks a user up by wallet address, ignoring case.
func (s *PostgresStore) GetUserByWallet(ctx context.Context, address string) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, pgGetUserByWalletSQL, address))
	return user, notFound(err, "get user by wallet")
}

// ListUsers lists all users.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgListUsersSQL)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// AddUser inserts a user.
func (s *PostgresStore) AddUser(ctx context.Context, user User) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, pgInsertUserSQL,
		user.Username,
		user.DisplayName,
		user.WalletAddress,
		decimal.NewFromFloat(user.Points).String(),
		user.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser replaces an existing user.
func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, pgUpdateUserSQL,
		user.Username,
		user.DisplayName,
		user.WalletAddress,
		decimal.NewFromFloat(user.Points).String(),
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustPoints adds delta to a balance in a single statement.
func (s *PostgresStore) AdjustPoints(ctx context.Context, username string, delta float64) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, pgAdjustPointsSQL, username, decimal.NewFromFloat(delta).String()))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if existsErr := pool.QueryRow(ctx, pgUserExistsSQL, username).Scan(&exists); existsErr != nil {
			return User{}, fmt.Errorf("adjust points: %w", existsErr)
		}
		if !exists {
			return User{}, ErrNotFound
		}
		return User{}, ErrInsufficientPoints
	}
	if err != nil {
		return User{}, fmt.Errorf("adjust points: %w", err)
	}
	return user, nil
}

// GetClaim returns the claim keyed by id.
func (s *PostgresStore) GetClaim(ctx context.Context, id string) (Claim, error) {
	pool, err := s.getPool()
	if err != nil {
		return Claim{}, err
	}
	claim, err := scanClaim(pool.QueryRow(ctx, pgGetClaimSQL, id))
	return claim, notFound(err, "get claim")
}

// ListClaims lists all claims.
func (s *PostgresStore) ListClaims(ctx context.Context) ([]Claim, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgListClaimsSQL)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	claims := make([]Claim, 0)
	for rows.Next() {
		claim, scanErr := scanClaim(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// AddClaim inserts a claim.
func (s *PostgresStore) AddClaim(ctx context.Context, claim Claim) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	oracleJSON, err := encodeOracle(claim.Oracle)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, pgInsertClaimSQL,
		claim.ID,
		claim.Title,
		claim.Description,
		claim.Category,
		string(claim.Status),
		string(claim.ResolutionType),
		claim.ResolutionDate,
		oracleJSON,
		claim.CreatedBy,
		claim.CreatedAt.UTC(),
		claim.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// UpdateClaim replaces an existing claim without reverting a resolved status.
func (s *PostgresStore) UpdateClaim(ctx context.Context, claim Claim) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	oracleJSON, err := encodeOracle(claim.Oracle)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, pgUpdateClaimSQL,
		claim.ID,
		claim.Title,
		claim.Description,
		claim.Category,
		string(claim.Status),
		string(claim.ResolutionType),
		claim.ResolutionDate,
		oracleJSON,
		claim.CreatedBy,
		claim.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimMissingOrResolved(ctx, pool, claim.ID)
	}
	return nil
}

// DeleteClaim removes a claim.
func (s *PostgresStore) DeleteClaim(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, pgDeleteClaimSQL, id)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkResolved performs the active -> resolved transition as a conditional update.
func (s *PostgresStore) MarkResolved(ctx context.Context, id string, status ClaimStatus, resolvedAt time.Time) (Claim, error) {
	pool, err := s.getPool()
	if err != nil {
		return Claim{}, err
	}
	claim, err := scanClaim(pool.QueryRow(ctx, pgMarkResolvedSQL, id, string(status), resolvedAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, s.claimMissingOrResolved(ctx, pool, id)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("mark resolved: %w", err)
	}
	return claim, nil
}

func (s *PostgresStore) claimMissingOrResolved(ctx context.Context, pool *pgxpool.Pool, id string) error {
	var exists bool
	if err := pool.QueryRow(ctx, pgClaimExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("check claim: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyResolved
}

// GetPositionsForClaim lists positions on a claim.
func (s *PostgresStore) GetPositionsForClaim(ctx context.Context, claimID string) ([]Position, error) {
	return s.queryPositions(ctx, pgPositionsForClaimSQL, claimID)
}

// GetPositionsForUser lists a user's positions.
func (s *PostgresStore) GetPositionsForUser(ctx context.Context, username string) ([]Position, error) {
	return s.queryPositions(ctx, pgPositionsForUserSQL, username)
}

// ListPositions lists all positions.
func (s *PostgresStore) ListPositions(ctx context.Context) ([]Position, error) {
	return s.queryPositions(ctx, pgListPositionsSQL)
}

// AddPosition inserts a position.
func (s *PostgresStore) AddPosition(ctx context.Context, position Position) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, pgInsertPositionSQL,
		position.ID,
		position.ClaimID,
		position.Username,
		string(position.Side),
		decimal.NewFromFloat(position.Stake).String(),
		decimal.NewFromFloat(position.Confidence).String(),
		position.Reasoning,
		position.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0)
	for rows.Next() {
		position, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		user      User
		wallet    sql.NullString
		pointsStr string
	)
	if err := row.Scan(&user.Username, &user.DisplayName, &wallet, &pointsStr, &user.CreatedAt); err != nil {
		return User{}, err
	}
	points, err := decimal.NewFromString(pointsStr)
	if err != nil {
		return User{}, fmt.Errorf("parse points: %w", err)
	}
	user.Points = points.InexactFloat64()
	if wallet.Valid {
		addr := wallet.String
		user.WalletAddress = &addr
	}
	return user, nil
}

func scanClaim(row rowScanner) (Claim, error) {
	var (
		claim          Claim
		status         string
		resolutionType string
		resolutionDate sql.NullTime
		oracleJSON     []byte
		createdBy      sql.NullString
		resolvedAt     sql.NullTime
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
		&claim.CreatedAt,
		&resolvedAt,
	); err != nil {
		return Claim{}, err
	}
	claim.Status = ClaimStatus(status)
	claim.ResolutionType = ResolutionType(resolutionType)
	if resolutionDate.Valid {
		v := resolutionDate.Time.UTC()
		claim.ResolutionDate = &v
	}
	if createdBy.Valid {
		v := createdBy.String
		claim.CreatedBy = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time.UTC()
		claim.ResolvedAt = &v
	}
	oracle, err := decodeOracle(oracleJSON)
	if err != nil {
		return Claim{}, err
	}
	claim.Oracle = oracle
	return claim, nil
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		position      Position
		side          string
		stakeStr      string
		confidenceStr string
		reasoning     sql.NullString
	)
	if err := row.Scan(
		&position.ID,
		&position.ClaimID,
		&position.Username,
		&side,
		&stakeStr,
		&confidenceStr,
		&reasoning,
		&position.CreatedAt,
	); err != nil {
		return Position{}, err
	}
	stake, err := decimal.NewFromString(stakeStr)
	if err != nil {
		return Position{}, fmt.Errorf("parse stake: %w", err)
	}
	confidence, err := decimal.NewFromString(confidenceStr)
	if err != nil {
		return Position{}, fmt.Errorf("parse confidence: %w", err)
	}
	position.Side = Side(side)
	position.Stake = stake.InexactFloat64()
	position.Confidence = confidence.InexactFloat64()
	if reasoning.Valid {
		v := reasoning.String
		position.Reasoning = &v
	}
	return position, nil
}

func encodeOracle(cfg *OracleConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode oracle config: %w", err)
	}
	return raw, nil
}

func decodeOracle(raw []byte) (*OracleConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cfg OracleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode oracle config: %w", err)
	}
	return &cfg, nil
}

func notFound(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
