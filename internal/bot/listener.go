package bot

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-alerts/internal/query"
	"funding-rate-alerts/internal/telegram"
)

// DefaultPrivateNote answers direct messages; commands are only served in the group.
const DefaultPrivateNote = "This is a <b>funding rate alert</b> service.\n\nTo receive funding rate alerts, please join our group."

const invalidDateReply = "Invalid date format. Use DDMMYY (e.g., 010126 for 01 Jan 2026)"

// Updater is the part of the Telegram client the listener needs.
type Updater interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, msg telegram.Message) error
}

// Replier answers a parsed command.
type Replier interface {
	Reply(ctx context.Context, cmd query.Command) (string, error)
}

// Options configure the listener.
type Options struct {
	// TopicID restricts group commands to one forum topic; 0 accepts every topic.
	TopicID     int64
	PollTimeout time.Duration
	RetryDelay  time.Duration
	PrivateNote string
}

// Listener long-polls Telegram and answers commands.
type Listener struct {
	client    Updater
	responder Replier
	parser    query.Parser
	opts      Options
	logger    zerolog.Logger
	offset    int64
}

// New constructs a command listener.
func New(client Updater, responder Replier, parser query.Parser, opts Options, logger zerolog.Logger) *Listener {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.PrivateNote == "" {
		opts.PrivateNote = DefaultPrivateNote
	}
	return &Listener{
		client:    client,
		responder: responder,
		parser:    parser,
		opts:      opts,
		logger:    logger.With().Str("component", "bot").Logger(),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Int64("topic_id", l.opts.TopicID).Msg("command listener started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := l.client.GetUpdates(ctx, l.offset, l.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn().Err(err).Msg("getUpdates failed")
			if !sleep(ctx, l.opts.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= l.offset {
				l.offset = u.UpdateID + 1
			}
			l.handle(ctx, u)
		}
	}
}

func (l *Listener) handle(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}
	log := l.logger.With().Int64("chat_id", msg.Chat.ID).Int64("thread_id", msg.ThreadID).Logger()

	if msg.Chat.IsPrivate() {
		l.reply(ctx, msg, l.opts.PrivateNote)
		return
	}
	if l.opts.TopicID != 0 && msg.ThreadID != l.opts.TopicID {
		return
	}

	cmd, err := l.parser.Parse(msg.Text)
	switch {
	case errors.Is(err, query.ErrNotCommand):
		return
	case errors.Is(err, query.ErrInvalidDate):
		l.reply(ctx, msg, query.RenderError(invalidDateReply))
		return
	case err != nil:
		log.Warn().Err(err).Msg("failed to parse command")
		return
	}

	log.Info().Str("command", cmd.Kind.String()).Str("symbol", cmd.Symbol).Msg("command received")
	text, err := l.responder.Reply(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("command", cmd.Kind.String()).Msg("command failed")
	}
	if text != "" {
		l.reply(ctx, msg, text)
	}
}

func (l *Listener) reply(ctx context.Context, to *telegram.IncomingMessage, text string) {
	out := telegram.Message{
		ChatID:    strconv.FormatInt(to.Chat.ID, 10),
		ThreadID:  to.ThreadID,
		Text:      text,
		ParseMode: telegram.ParseModeHTML,
	}
	if err := l.client.SendMessage(ctx, out); err != nil {
		l.logger.Error().Err(err).Int64("chat_id", to.Chat.ID).Msg("failed to send reply")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
