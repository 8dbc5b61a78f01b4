// Package alert raises operator-visible notices for conditions a chat user
// cannot fix: exhausted disk space and ledger writes that keep failing.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sender delivers a text to a chat. It matches the chat transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Notifier logs every alert and forwards it to the operator chat when one is set.
type Notifier struct {
	logger   *slog.Logger
	sender   Sender
	chatID   int64
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// New returns a Notifier. sender may be nil and chatID zero to only log.
func New(logger *slog.Logger, sender Sender, chatID int64) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:   logger,
		sender:   sender,
		chatID:   chatID,
		cooldown: time.Minute,
		last:     make(map[string]time.Time),
	}
}

// DiskSpaceExhausted reports that free space under path fell below the minimum.
func (n *Notifier) DiskSpaceExhausted(path string, free, min uint64) {
	n.raise("disk_space", fmt.Sprintf("disk space exhausted on %s: %d bytes free, %d required", path, free, min),
		"path", path, "free_bytes", free, "min_free_bytes", min)
}

// LedgerWriteFailed reports a ledger write that failed after all retries.
func (n *Notifier) LedgerWriteFailed(op, jobID string, err error) {
	n.raise("ledger", fmt.Sprintf("ledger %s failed for job %s: %v", op, jobID, err),
		"op", op, "job_id", jobID, "error", err)
}

func (n *Notifier) raise(key, text string, attrs ...any) {
	if n == nil {
		return
	}
	n.logger.Error("operator alert: "+text, append([]any{"alert", true, "alert_kind", key}, attrs...)...)
	if n.sender == nil || n.chatID == 0 {
		return
	}

	// operator chat messages are throttled per alert kind
	n.mu.Lock()
	now := time.Now()
	if last, ok := n.last[key]; ok && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.last[key] = now
	n.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.sender.SendText(ctx, n.chatID, "⚠️ "+text); err != nil {
			n.logger.Warn("send operator alert failed", "error", err)
		}
	}()
}
