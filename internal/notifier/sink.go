package notifier

import (
	"context"
	"errors"
	"strings"

	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Sink delivers a message somewhere. Send must honor ctx where it can.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// LogSink writes messages to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, m Message) error {
	log := s.Log
	if log.IsZero() {
		return nil
	}
	f := logx.String("severity", m.Severity.String())
	switch m.Severity {
	case Warning:
		log.Warn(m.Text, f)
	case Error:
		log.Error(m.Text, f)
	default:
		log.Info(m.Text, f)
	}
	return nil
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	MinSeverity Severity
	// URL overrides the Bot API endpoint.
	URL string
}

// TelegramSink pushes messages to one chat through the Bot API.
type TelegramSink struct {
	cfg TelegramConfig
	bot *tele.Bot
}

// NewTelegramSink builds an offline bot (no getMe round trip, no poller).
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, URL: cfg.URL, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{cfg: cfg, bot: b}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if m.Severity < s.cfg.MinSeverity {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, m.Severity.icon()+m.Text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	})
	return err
}
