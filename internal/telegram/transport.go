// Package telegram connects the orchestrator to the Telegram Bot API: it
// uploads finished artifacts, sends chat messages and turns incoming
// commands into scheduler calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mediabot/internal/config"
	"mediabot/internal/models"
	"mediabot/internal/pipeline"
)

// MaxMessageBytes is the longest text Telegram accepts in one message.
const MaxMessageBytes = 4096

// Transport sends texts and files through a bot account.
type Transport struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// Dial authenticates the bot against cfg.APIEndpoint. A local Bot API server
// endpoint lifts the upload limit to 2 GB.
func Dial(cfg config.TelegramConfig, logger *slog.Logger) (*Transport, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return NewTransport(bot, logger), nil
}

// NewTransport wraps an authenticated bot.
func NewTransport(bot *tgbotapi.BotAPI, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot ready", "username", bot.Self.UserName)
	return &Transport{bot: bot, logger: logger}
}

// Bot exposes the underlying client for the update loop.
func (t *Transport) Bot() *tgbotapi.BotAPI {
	return t.bot
}

// SendText delivers text, split into as many messages as needed.
func (t *Transport) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range SplitText(text, MaxMessageBytes) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.DisableWebPagePreview = true
		if err := t.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// SendFile uploads one artifact, picking the upload method from its kind.
func (t *Transport) SendFile(ctx context.Context, chatID int64, file pipeline.OutgoingFile) error {
	data := tgbotapi.FilePath(file.Path)
	var msg tgbotapi.Chattable
	switch file.Kind {
	case models.KindAudio:
		cfg := tgbotapi.NewAudio(chatID, data)
		cfg.Caption = file.Caption
		msg = cfg
	case models.KindVideo:
		cfg := tgbotapi.NewVideo(chatID, data)
		cfg.Caption = file.Caption
		cfg.SupportsStreaming = true
		msg = cfg
	case models.KindVoice:
		cfg := tgbotapi.NewVoice(chatID, data)
		cfg.Caption = file.Caption
		msg = cfg
	default:
		return fmt.Errorf("unknown output kind %q", file.Kind)
	}
	if err := t.send(ctx, msg); err != nil {
		return fmt.Errorf("upload %s: %w", file.Kind, err)
	}
	return nil
}

// send runs the bot call on a per-call copy of the client whose HTTP requests
// carry ctx, so ending ctx aborts an upload in flight.
func (t *Transport) send(ctx context.Context, msg tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	bot := *t.bot
	bot.Client = ctxClient{ctx: ctx, inner: t.bot.Client}
	_, err := bot.Send(msg)
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return classify(err)
}

// ctxClient binds every request to one context.
type ctxClient struct {
	ctx   context.Context
	inner tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.inner.Do(req.WithContext(c.ctx))
}

// classify marks rate limiting, server-side and network failures as
// transient. Other API rejections and local file errors are final.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return pipeline.Transient(err)
		}
		return err
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return err
	}
	return pipeline.Transient(err)
}

// SplitText cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func SplitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
