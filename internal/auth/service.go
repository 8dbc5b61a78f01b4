package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/redis"
	"mediabot/internal/storage"
)

// BootstrapOperator is the operator name attached to the configured bootstrap token.
const BootstrapOperator = "bootstrap"

const redisTokenPrefix = "mediabot:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes operator API tokens.
type Service struct {
	db         *sql.DB
	dialect    storage.Dialect
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
	bootstrap  string
	now        func() time.Time
}

// NewService constructs an auth service over the ledger database. cache may
// be nil. A non-empty bootstrap token is always accepted so the first
// operator can mint real tokens.
func NewService(db *sql.DB, driver string, cache *redis.Client, ttl time.Duration, bootstrap string) (*Service, error) {
	if db == nil {
		return nil, errors.New("database handle required")
	}
	dialect, err := storage.DialectOf(driver)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:         db,
		dialect:    dialect,
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
		bootstrap:  bootstrap,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.dialect, query)
}

// IssueToken mints a new random token for the operator and persists it.
func (s *Service) IssueToken(ctx context.Context, operator string) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, errors.New("operator name required")
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", time.Time{}, err
		}
		_, err = s.db.ExecContext(ctx, s.q(
			`INSERT INTO operator_tokens (token, operator, created_at, expires_at) VALUES (?, ?, ?, ?)`),
			token, operator, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, operator, expiresAt)
			return token, expiresAt, nil
		}
	}
	return "", time.Time{}, errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning the operator.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrTokenRequired
	}
	if s.bootstrap != "" && subtle.ConstantTimeCompare([]byte(authToken), []byte(s.bootstrap)) == 1 {
		return BootstrapOperator, nil
	}
	if s.cache.Enabled() {
		if operator, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil && operator != "" {
			return operator, nil
		}
	}

	var operator string
	var expires time.Time
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT operator, expires_at FROM operator_tokens WHERE token = ?`), authToken,
	).Scan(&operator, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if s.now().After(expires) {
		_, _ = s.db.ExecContext(ctx, s.q(`DELETE FROM operator_tokens WHERE token = ?`), authToken)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, operator, expires)
	return operator, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if s.cache.Enabled() {
		_ = s.cache.Del(ctx, redisTokenPrefix+authToken)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM operator_tokens WHERE token = ?`), authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeOperatorTokens removes all tokens belonging to the operator.
func (s *Service) RevokeOperatorTokens(ctx context.Context, operator string) error {
	if operator == "" {
		return nil
	}
	if s.cache.Enabled() {
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT token FROM operator_tokens WHERE operator = ?`), operator)
		if err == nil {
			var keys []string
			for rows.Next() {
				var token string
				if rows.Scan(&token) == nil {
					keys = append(keys, redisTokenPrefix+token)
				}
			}
			rows.Close()
			_ = s.cache.Del(ctx, keys...)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM operator_tokens WHERE operator = ?`), operator); err != nil {
		return fmt.Errorf("revoke operator tokens: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired tokens and reports how many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM operator_tokens WHERE expires_at < ?`), s.now())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) cacheToken(ctx context.Context, token, operator string, expiresAt time.Time) {
	if !s.cache.Enabled() {
		return
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	_ = s.cache.Set(ctx, redisTokenPrefix+token, operator, ttl)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
