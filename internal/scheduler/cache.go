package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"mediabot/internal/models"
	"mediabot/internal/redis"
)

const (
	redisCancelChannel = "mediabot:cancel"
	redisJobKeyPrefix  = "mediabot:job:"
	redisJobTTL        = 30 * time.Minute
)

type cancelMessage struct {
	JobID  string `json:"job_id"`
	Origin string `json:"origin"`
}

// jobCache mirrors job records into redis for cheap status reads and carries
// cancel requests between instances. A nil client disables it.
type jobCache struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

func newJobCache(client *redis.Client, origin string, logger *slog.Logger) *jobCache {
	return &jobCache{client: client, origin: origin, logger: logger}
}

func (c *jobCache) enabled() bool {
	return c != nil && c.client.Enabled()
}

func (c *jobCache) store(rec *models.JobRecord) {
	if !c.enabled() || rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("job cache marshal failed", "job_id", rec.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, redisJobKeyPrefix+rec.ID, data, redisJobTTL); err != nil {
		c.logger.Warn("job cache write failed", "job_id", rec.ID, "error", err)
	}
}

func (c *jobCache) load(ctx context.Context, jobID string) (*models.JobRecord, bool) {
	if !c.enabled() {
		return nil, false
	}
	raw, err := c.client.Get(ctx, redisJobKeyPrefix+jobID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("job cache read failed", "job_id", jobID, "error", err)
		}
		return nil, false
	}
	var rec models.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.logger.Warn("job cache decode failed", "job_id", jobID, "error", err)
		return nil, false
	}
	return &rec, true
}

// publishCancel asks every instance to cancel jobID.
func (c *jobCache) publishCancel(ctx context.Context, jobID string) error {
	if !c.enabled() {
		return errors.New("cancel bus disabled")
	}
	payload, err := json.Marshal(cancelMessage{JobID: jobID, Origin: c.origin})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, redisCancelChannel, payload)
}

// listenCancel calls handler for cancel requests published by other instances.
func (c *jobCache) listenCancel(ctx context.Context, handler func(jobID string)) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Subscribe(ctx, redisCancelChannel, func(payload string) {
		var msg cancelMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			c.logger.Warn("cancel message decode failed", "error", err)
			return
		}
		if msg.Origin == c.origin || msg.JobID == "" {
			return
		}
		handler(msg.JobID)
	})
}
