package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"mediabot/internal/config"
	"mediabot/internal/models"
	"mediabot/internal/redis"
)

func TestJobCacheStoreAndLoad(t *testing.T) {
	client := newTestRedis(t)
	c := newJobCache(client, "instance-a", slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := &models.JobRecord{ID: "3f1a", ChatID: 9, URL: "https://example.com/v", Kind: models.KindVideo, State: models.StateConverting}
	c.store(rec)
	got, ok := c.load(context.Background(), rec.ID)
	if !ok {
		t.Fatalf("expected record cached")
	}
	if got.State != rec.State || got.ChatID != rec.ChatID {
		t.Fatalf("cached record mismatch: %+v", got)
	}
	if _, ok := c.load(context.Background(), "missing"); ok {
		t.Fatalf("unexpected hit for missing job")
	}
}

func TestJobCacheCancelSkipsOwnMessages(t *testing.T) {
	client := newTestRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := newJobCache(client, "instance-a", logger)
	b := newJobCache(client, "instance-b", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 2)
	if err := a.listenCancel(ctx, func(id string) { got <- id }); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := a.publishCancel(ctx, "own"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.publishCancel(ctx, "remote"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case id := <-got:
		if id != "remote" {
			t.Fatalf("received %q, want only the remote cancel", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive cancel message")
	}
}

func TestJobCacheDisabledWithoutRedis(t *testing.T) {
	c := newJobCache(nil, "x", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.store(&models.JobRecord{ID: "a"})
	if _, ok := c.load(context.Background(), "a"); ok {
		t.Fatalf("disabled cache returned a record")
	}
	if err := c.publishCancel(context.Background(), "a"); err == nil {
		t.Fatalf("expected publish to fail without redis")
	}
	if err := c.listenCancel(context.Background(), func(string) {}); err != nil {
		t.Fatalf("listen without redis: %v", err)
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed scheduler tests")
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
	client, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
