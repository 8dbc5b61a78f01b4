package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mediabot/internal/command"
	"mediabot/internal/models"
	"mediabot/internal/scheduler"
)

const helpText = `Send me a link and I'll fetch it for you.

/audio <url> - mp3 audio
/video <url> - mp4 video
/voice <url> - voice message
/status - your recent jobs
/cancel <job id> - stop one job
/stop - stop all your jobs`

// Jobs is the part of the scheduler chat commands drive.
type Jobs interface {
	Submit(ctx context.Context, req models.JobRequest) (*models.JobRecord, error)
	Cancel(ctx context.Context, jobID string) error
	CancelChat(ctx context.Context, chatID int64) int
	Lookup(ctx context.Context, jobID string) (*models.JobRecord, error)
	ListChat(ctx context.Context, chatID int64, limit int) ([]*models.JobRecord, error)
}

// Bot turns chat commands into scheduler calls and replies in the chat.
type Bot struct {
	jobs        Jobs
	chat        scheduler.Sender
	logger      *slog.Logger
	pollTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	lanes map[int64]*chatLane
	busy  sync.WaitGroup
}

// chatLane holds one chat's messages that are waiting to be handled.
type chatLane struct {
	pending []incoming
}

type incoming struct {
	chatID    int64
	submitter string
	text      string
}

// NewBot wires the command handler. Replies go through chat.
func NewBot(jobs Jobs, chat scheduler.Sender, pollTimeout time.Duration, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = 60 * time.Second
	}
	return &Bot{
		jobs:        jobs,
		chat:        chat,
		logger:      logger,
		pollTimeout: pollTimeout,
		now:         time.Now,
		lanes:       make(map[int64]*chatLane),
	}
}

// Run long-polls api for updates until ctx is done.
func (b *Bot) Run(ctx context.Context, api *tgbotapi.BotAPI) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout / time.Second)
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	b.logger.Info("polling telegram updates", "timeout", b.pollTimeout)
	return b.serve(ctx, updates)
}

// serve dispatches updates until ctx is done, then waits for the messages
// already accepted. A chat's messages are handled one at a time in arrival
// order; different chats proceed in parallel.
func (b *Bot) serve(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	defer b.busy.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			msg := update.Message
			if msg == nil || msg.Chat == nil || msg.Text == "" {
				continue
			}
			b.dispatch(ctx, incoming{chatID: msg.Chat.ID, submitter: submitterOf(msg), text: msg.Text})
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, in incoming) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lane, ok := b.lanes[in.chatID]; ok {
		lane.pending = append(lane.pending, in)
		return
	}
	lane := &chatLane{pending: []incoming{in}}
	b.lanes[in.chatID] = lane
	b.busy.Add(1)
	go b.drain(ctx, in.chatID, lane)
}

// drain handles lane's messages until it is empty, then retires the lane.
func (b *Bot) drain(ctx context.Context, chatID int64, lane *chatLane) {
	defer b.busy.Done()
	for {
		b.mu.Lock()
		if len(lane.pending) == 0 {
			delete(b.lanes, chatID)
			b.mu.Unlock()
			return
		}
		in := lane.pending[0]
		lane.pending = lane.pending[1:]
		b.mu.Unlock()

		b.Handle(ctx, in.chatID, in.submitter, in.text)
	}
}

// Handle executes one chat message. Plain text that is not a command is ignored.
func (b *Bot) Handle(ctx context.Context, chatID int64, submitter, text string) {
	cmd, err := command.Parse(text)
	if errors.Is(err, command.ErrNotCommand) {
		return
	}
	if err != nil {
		b.reply(ctx, chatID, scheduler.RejectionText(err))
		return
	}

	switch c := cmd.(type) {
	case command.Help:
		b.reply(ctx, chatID, helpText)
	case command.Submit:
		rec, err := b.jobs.Submit(ctx, command.NewRequest(c, chatID, submitter, b.now()))
		if err != nil {
			b.logger.Info("submission rejected", "chat_id", chatID, "url", c.URL, "error", err)
			b.reply(ctx, chatID, scheduler.RejectionText(err))
			return
		}
		b.reply(ctx, chatID, scheduler.AcceptedText(rec))
	case command.Cancel:
		b.reply(ctx, chatID, b.cancel(ctx, chatID, c.JobID))
	case command.Stop:
		n := b.jobs.CancelChat(ctx, chatID)
		if n == 0 {
			b.reply(ctx, chatID, "Nothing to stop.")
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("Stopping %d job(s).", n))
	case command.Status:
		recs, err := b.jobs.ListChat(ctx, chatID, 10)
		if err != nil {
			b.logger.Error("list chat jobs failed", "chat_id", chatID, "error", err)
			b.reply(ctx, chatID, scheduler.RejectionText(err))
			return
		}
		b.reply(ctx, chatID, scheduler.StatusText(recs))
	}
}

// cancel only lets a chat stop its own jobs.
func (b *Bot) cancel(ctx context.Context, chatID int64, jobID string) string {
	rec, err := b.jobs.Lookup(ctx, jobID)
	if err != nil || rec.ChatID != chatID {
		return "No such job in this chat."
	}
	switch err := b.jobs.Cancel(ctx, jobID); {
	case err == nil:
		return "Cancelling job " + jobID + "."
	case errors.Is(err, scheduler.ErrJobFinished):
		return "That job has already finished."
	case errors.Is(err, scheduler.ErrJobNotFound):
		return "No such job in this chat."
	default:
		b.logger.Error("cancel failed", "job_id", jobID, "error", err)
		return "Could not cancel that job, please try again."
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.chat.SendText(ctx, chatID, text); err != nil {
		b.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func submitterOf(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "chat:" + strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From.UserName != "" {
		return "@" + msg.From.UserName
	}
	return strconv.FormatInt(msg.From.ID, 10)
}
