// Package telegram delivers caregiver reminders through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pillpal/internal/transport"
	logx "pillpal/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL    string
	ChatIDs   []int64
	ThreadID  int
	ParseMode string
	Timeout   time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// New builds a send-only bot. No updates are polled and the token is not
// checked until the first send.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{ParseMode: s.cfg.ParseMode}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendReminder sends text to every configured chat. A failing chat does not
// stop delivery to the others.
func (s *Sender) SendReminder(ctx context.Context, text string) error {
	if len(s.cfg.ChatIDs) == 0 {
		return errors.New("telegram: no chat ids configured")
	}
	if strings.EqualFold(s.cfg.ParseMode, tele.ModeHTML) {
		// reminder text is plain; medication names may contain markup characters
		text = html.EscapeString(text)
	}
	var errs []error
	for _, id := range s.cfg.ChatIDs {
		to := kit.ChatTarget{ChatID: id, ThreadID: s.cfg.ThreadID}
		ref, err := s.SendText(ctx, to, text, nil)
		if err != nil {
			s.log.Warn("reminder not delivered", logx.Int64("chat_id", id), logx.Err(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
			continue
		}
		s.log.Debug("reminder delivered", logx.Int64("chat_id", id), logx.Int("message_id", ref.MessageID))
	}
	return errors.Join(errs...)
}
