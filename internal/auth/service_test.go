package auth

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mediabot/internal/config"
	"mediabot/internal/redis"
	"mediabot/internal/storage"
)

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := newTestService(t, db, nil, time.Hour, "")
	token, expires, err := svc.IssueToken(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" || !expires.After(time.Now()) {
		t.Fatalf("expected token with future expiry, got %q %v", token, expires)
	}
	operator, err := svc.ValidateToken(context.Background(), token)
	if err != nil || operator != "alice" {
		t.Fatalf("ValidateToken failed: operator=%q err=%v", operator, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, _, err := svc.IssueToken(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeOperatorTokens(context.Background(), "alice"); err != nil {
		t.Fatalf("RevokeOperatorTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := newTestService(t, db, nil, 10*time.Millisecond, "")
	token, _, err := svc.IssueToken(context.Background(), "bob")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
	// ensure token removed
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM operator_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestAuthPurgeExpired(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := newTestService(t, db, nil, time.Hour, "")
	if _, _, err := svc.IssueToken(context.Background(), "carol"); err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err := svc.PurgeExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v", n, err)
	}
}

func TestAuthBootstrapToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := newTestService(t, db, nil, time.Hour, "let-me-in")
	operator, err := svc.ValidateToken(context.Background(), "let-me-in")
	if err != nil || operator != BootstrapOperator {
		t.Fatalf("bootstrap token rejected: %q %v", operator, err)
	}
	if _, err := svc.ValidateToken(context.Background(), "let-me-in-please"); err == nil {
		t.Fatalf("expected near-miss token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil, time.Hour, "")
	token, _, err := svc.IssueToken(context.Background(), "dave")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	router := gin.New()
	router.GET("/who", svc.Middleware(), func(c *gin.Context) {
		operator, _ := OperatorFromContext(c)
		c.String(http.StatusOK, operator)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "dave" {
		t.Fatalf("valid token: status %d body %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/who?access_token="+token, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("query token accepted outside websocket upgrade: status %d", rec.Code)
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := newTestService(t, db, cacheClient, time.Hour, "")
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, "erin")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	raw := cacheClient.Raw()
	key := redisTokenPrefix + token
	got, err := raw.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "erin" {
		t.Fatalf("expected erin in redis, got %s", got)
	}

	_, _ = db.Exec(`DELETE FROM operator_tokens WHERE token = ?`, token)
	operator, err := svc.ValidateToken(ctx, token)
	if err != nil || operator != "erin" {
		t.Fatalf("ValidateToken via redis failed: operator=%q err=%v", operator, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := raw.Get(ctx, key).Result(); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and redis delete")
	}
}

func newTestService(t *testing.T, db *sql.DB, cache *redis.Client, ttl time.Duration, bootstrap string) *Service {
	t.Helper()
	svc, err := NewService(db, "sqlite3", cache, ttl, bootstrap)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}
