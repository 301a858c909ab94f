package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/model"
	"golang.org/x/crypto/bcrypt"
)

const staffTokenPrefix = "hk_"

// StaffTokenStore holds bearer tokens for staff endpoints. Only a bcrypt hash
// of the secret part is kept; the prefix is stored in clear for lookup.
type StaffTokenStore struct {
	db   *sql.DB
	now  func() time.Time
	cost int
}

func NewStaffTokenStore(db *sql.DB) *StaffTokenStore {
	return &StaffTokenStore{db: db, now: time.Now, cost: bcrypt.DefaultCost}
}

// Create issues a token and returns its plaintext. The plaintext is not
// recoverable afterwards.
func (s *StaffTokenStore) Create(ctx context.Context, name, role string) (string, *model.StaffToken, error) {
	if !model.ValidRole(role) {
		return "", nil, fmt.Errorf("invalid role %q", role)
	}
	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO staff_tokens (id, name, role, prefix, token_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, name, role, prefix, string(hash), formatTime(s.now()),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert staff token: %w", err)
	}
	tok, err := s.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return staffTokenPrefix + prefix + "_" + secret, tok, nil
}

const staffTokenCols = "id, name, role, prefix, revoked, last_used_at, created_at"

func scanStaffToken(scanner interface{ Scan(...any) error }) (*model.StaffToken, error) {
	var t model.StaffToken
	var lastUsed sql.NullString
	var created string
	if err := scanner.Scan(&t.ID, &t.Name, &t.Role, &t.Prefix, &t.Revoked, &lastUsed, &created); err != nil {
		return nil, err
	}
	var err error
	if t.LastUsedAt, err = parseNullTime(lastUsed, nil); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created, nil); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *StaffTokenStore) GetByID(ctx context.Context, id string) (*model.StaffToken, error) {
	t, err := scanStaffToken(s.db.QueryRowContext(ctx, "SELECT "+staffTokenCols+" FROM staff_tokens WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query staff token: %w", err)
	}
	return t, nil
}

func (s *StaffTokenStore) List(ctx context.Context) ([]model.StaffToken, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+staffTokenCols+" FROM staff_tokens ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query staff tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.StaffToken
	for rows.Next() {
		t, err := scanStaffToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staff token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// Authenticate resolves a plaintext token. It returns nil, nil for unknown,
// malformed, revoked or mismatching tokens.
func (s *StaffTokenStore) Authenticate(ctx context.Context, token string) (*model.StaffToken, error) {
	rest, ok := strings.CutPrefix(token, staffTokenPrefix)
	if !ok {
		return nil, nil
	}
	prefix, secret, ok := strings.Cut(rest, "_")
	if !ok || prefix == "" || secret == "" {
		return nil, nil
	}

	var hash string
	var revoked bool
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, token_hash, revoked FROM staff_tokens WHERE prefix = ?", prefix,
	).Scan(&id, &hash, &revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query staff token: %w", err)
	}
	if revoked {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE staff_tokens SET last_used_at = ? WHERE id = ?", formatTime(s.now()), id); err != nil {
		return nil, fmt.Errorf("touch staff token: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *StaffTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE staff_tokens SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke staff token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("staff token %s not found", id)
	}
	return nil
}
