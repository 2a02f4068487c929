// Package bot is the Telegram surface: the outbound Sender used by delivery
// and the command handlers that manage subscriptions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"telefeed/internal/channel"
	"telefeed/internal/domain"
	"telefeed/internal/markdown"
	"telefeed/internal/ratelimiter"
	"telefeed/internal/store"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const updateProcessingTimeout = 2 * time.Minute

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (domain.FetchedFeed, error)
}

// Rescanner is told about new subscriptions so they are polled without
// waiting for the next periodic scan.
type Rescanner interface {
	Rescan()
}

type Options struct {
	// AllowedUsers restricts commands to these user ids when non-empty.
	AllowedUsers []int64
	// AdminUsers may manage any chat without being its administrator.
	AdminUsers []int64
	// MaxFeeds caps the number of distinct feeds. Zero means unlimited.
	MaxFeeds int
	// SendRate is the global outbound message rate per second.
	SendRate int
}

type Bot struct {
	client      *tgbot.Bot
	api         chatAPI
	botID       int64
	out         channel.Sender
	rateLimiter *ratelimiter.RateLimiter
	store       *store.Store
	fetcher     Fetcher
	rescanner   Rescanner

	allowedUsers []int64
	adminUsers   []int64
	maxFeeds     int
	now          func() time.Time
	log          *slog.Logger
}

func New(
	token string,
	st *store.Store,
	fetcher Fetcher,
	opts Options,
	log *slog.Logger,
) (*Bot, error) {
	token = strings.TrimSpace(token)

	botID, err := botIDFromToken(token)
	if err != nil {
		return nil, err
	}

	b := newBot(nil, st, fetcher, opts, log)
	b.botID = botID

	client, err := tgbot.New(token,
		tgbot.WithDefaultHandler(b.handleUpdate),
		tgbot.WithErrorsHandler(func(err error) {
			log.Error("Failed to poll updates",
				"error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create bot API: %w", err)
	}

	b.client = client
	b.api = client
	b.rateLimiter = ratelimiter.New(NewSender(client), opts.SendRate, log)
	b.out = b.rateLimiter

	return b, nil
}

func newBot(api chatAPI, st *store.Store, fetcher Fetcher, opts Options, log *slog.Logger) *Bot {
	b := &Bot{
		api:          api,
		store:        st,
		fetcher:      fetcher,
		allowedUsers: opts.AllowedUsers,
		adminUsers:   opts.AdminUsers,
		maxFeeds:     opts.MaxFeeds,
		now:          time.Now,
		log:          log,
	}
	if api != nil {
		b.out = NewSender(api)
	}

	return b
}

// Sender is the rate-limited outbound channel shared with delivery.
func (b *Bot) Sender() channel.Sender {
	return b.out
}

// SetRescanner must be called before Start.
func (b *Bot) SetRescanner(r Rescanner) {
	b.rescanner = r
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	b.client.Start(ctx)
}

func (b *Bot) Stop() {
	if b.rateLimiter != nil {
		b.rateLimiter.Stop()
	}
}

func (b *Bot) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	updateCtx, cancel := context.WithTimeout(ctx, updateProcessingTimeout)
	defer cancel()

	switch {
	case update.Message != nil:
		b.handleMessage(updateCtx, update.Message)
	case update.ChannelPost != nil:
		b.handleChannelPost(updateCtx, update.ChannelPost)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		return
	}

	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}

	if !b.userAllowed(msg.From.ID) {
		b.log.DebugContext(ctx, "User is not allowed",
			"userID", msg.From.ID,
			"chatID", msg.Chat.ID,
			"username", msg.From.Username,
			"command", cmd.name)

		return
	}

	err := b.runCommand(ctx, msg, cmd)
	if err == nil {
		return
	}

	var denied *errDenied
	if errors.As(err, &denied) {
		b.replyText(ctx, msg.Chat.ID, denied.reply)

		return
	}

	b.log.ErrorContext(ctx, "Failed to handle command",
		"error", err,
		"command", cmd.name,
		"chatID", msg.Chat.ID,
		"userID", msg.From.ID,
		"messageID", msg.ID)

	b.replyText(ctx, msg.Chat.ID, "Something went wrong, please try again later.")
}

func (b *Bot) handleChannelPost(ctx context.Context, post *models.Message) {
	if _, ok := parseCommand(post.Text); !ok {
		return
	}

	b.replyText(ctx, post.Chat.ID, channelHintText)
}

func (b *Bot) userAllowed(userID int64) bool {
	return len(b.allowedUsers) == 0 || slices.Contains(b.allowedUsers, userID)
}

func (b *Bot) replyText(ctx context.Context, chatID int64, text string) {
	b.replyMarkdown(ctx, chatID, markdown.EscapeV2(text))
}

func (b *Bot) replyMarkdown(ctx context.Context, chatID int64, text string) {
	if _, err := b.out.Send(ctx, chatID, channel.Message{Text: text, DisablePreview: true}); err != nil {
		b.log.ErrorContext(ctx, "Failed to send reply",
			"error", err,
			"chatID", chatID)
	}
}

func botIDFromToken(token string) (int64, error) {
	idStr, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0, errors.New("token has no bot id")
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse bot id: %w", err)
	}

	return id, nil
}
