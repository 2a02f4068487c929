package bot

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"telefeed/internal/channel"
	"telefeed/internal/domain"
	"telefeed/internal/feed"
	"telefeed/internal/markdown"
	"telefeed/internal/opml"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/samber/lo"
)

const helpText = `Commands:
/rss [channel] - list subscriptions
/sub [channel] <url> - subscribe to a feed
/unsub [channel] <url> - unsubscribe from a feed
/set [channel] <url> <key>=<true|false> - change a feed setting
/showset [channel] <url> - show feed settings
/export [channel] - export subscriptions as OPML

[channel] is an optional @username or chat id of a channel or group you administer.
Settings: disable_preview, link_only, hide_rss_title, combine_msg.`

const channelHintText = "Commands are not available in channels. " +
	"Send /sub @channel <url> to the bot in a private chat instead."

const exportFilename = "telefeed.opml"

type command struct {
	name string
	args []string
}

func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}

	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	if name == "" {
		return command{}, false
	}

	return command{name: strings.ToLower(name), args: fields[1:]}, true
}

// target splits an optional leading chat argument off the arguments. It is
// only taken when more than operands arguments remain after it.
func (c command) target(operands int) (string, []string) {
	if len(c.args) > operands && isTargetArg(c.args[0]) {
		return c.args[0], c.args[1:]
	}

	return "", c.args
}

func (b *Bot) runCommand(ctx context.Context, msg *models.Message, cmd command) error {
	switch cmd.name {
	case "start", "help":
		b.replyText(ctx, msg.Chat.ID, helpText)

		return nil
	case "rss":
		return b.handleRSS(ctx, msg, cmd)
	case "sub":
		return b.handleSub(ctx, msg, cmd)
	case "unsub":
		return b.handleUnsub(ctx, msg, cmd)
	case "set":
		return b.handleSet(ctx, msg, cmd)
	case "showset":
		return b.handleShowSet(ctx, msg, cmd)
	case "export":
		return b.handleExport(ctx, msg, cmd)
	default:
		return nil
	}
}

func (b *Bot) handleRSS(ctx context.Context, msg *models.Message, cmd command) error {
	targetArg, _ := cmd.target(0)

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	feeds := b.sortedFeeds(chatID)
	if len(feeds) == 0 {
		return deny("Subscription list is empty.")
	}

	lines := lo.Map(feeds, func(f domain.Feed, _ int) string {
		return markdown.Link(feedTitle(f), f.Link)
	})

	for _, text := range markdown.Split(markdown.Bold("Subscriptions"), lines, markdown.MaxMessageLength) {
		b.replyMarkdown(ctx, msg.Chat.ID, text)
	}

	return nil
}

func (b *Bot) handleSub(ctx context.Context, msg *models.Message, cmd command) error {
	targetArg, rest := cmd.target(1)

	link, err := firstURL(rest, "/sub [channel] <url>")
	if err != nil {
		return err
	}

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	if b.store.IsSubscribed(chatID, link) {
		return deny("Already subscribed to this feed.")
	}

	if _, exists := b.store.Feed(link); !exists && b.maxFeeds > 0 && b.store.FeedCount() >= b.maxFeeds {
		return deny("The bot has reached its feed limit.")
	}

	progress := markdown.EscapeV2("Processing, please wait...")
	progressID, err := b.out.Send(ctx, msg.Chat.ID, plainMessage(progress))
	if err != nil {
		return fmt.Errorf("send progress message: %w", err)
	}

	var fetched domain.FetchedFeed
	fetchErr := b.withSpinner(ctx, msg.Chat.ID, func() error {
		var innerErr error
		fetched, innerErr = b.fetcher.Fetch(ctx, link)

		return innerErr
	})

	var result string
	switch {
	case fetchErr != nil:
		b.log.InfoContext(ctx, "Failed to fetch feed for subscription",
			"error", fetchErr,
			"feedURL", link,
			"chatID", chatID)

		result = markdown.EscapeV2("Subscription failed: " + feed.UserMessage(fetchErr))
	case !b.store.Subscribe(ctx, chatID, link, fetched):
		result = markdown.EscapeV2("Already subscribed to this feed.")
	default:
		if b.rescanner != nil {
			b.rescanner.Rescan()
		}

		b.log.InfoContext(ctx, "Subscribed",
			"feedURL", link,
			"chatID", chatID,
			"userID", msg.From.ID)

		result = markdown.EscapeV2("Subscribed to ") + markdown.Link(lo.CoalesceOrEmpty(fetched.Title, link), link)
	}

	if err = b.out.Edit(ctx, msg.Chat.ID, progressID, plainMessage(result)); err != nil {
		return fmt.Errorf("edit progress message: %w", err)
	}

	return nil
}

func (b *Bot) handleUnsub(ctx context.Context, msg *models.Message, cmd command) error {
	targetArg, rest := cmd.target(1)

	link, err := firstURL(rest, "/unsub [channel] <url>")
	if err != nil {
		return err
	}

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	removed, ok := b.store.Unsubscribe(ctx, chatID, link)
	if !ok {
		return deny("Not subscribed to this feed.")
	}

	b.replyMarkdown(ctx, msg.Chat.ID,
		markdown.EscapeV2("Unsubscribed from ")+markdown.Link(feedTitle(removed), removed.Link))

	return nil
}

func (b *Bot) handleSet(ctx context.Context, msg *models.Message, cmd command) error {
	const usage = "/set [channel] <url> <key>=<true|false>"

	targetArg, rest := cmd.target(2)
	if len(rest) < 2 {
		return deny("Usage: " + usage)
	}

	link, err := firstURL(rest[:1], usage)
	if err != nil {
		return err
	}

	key, value, ok := strings.Cut(rest[1], "=")
	if !ok {
		return deny("Usage: " + usage)
	}

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	setting, ok := b.store.GetSetting(chatID, link)
	if !ok {
		return deny("Not subscribed to this feed.")
	}

	if err = setting.Set(strings.ToLower(key), strings.ToLower(value)); err != nil {
		return deny(fmt.Sprintf("Invalid setting: %v. Known settings: %s.",
			err, strings.Join(domain.SettingKeys, ", ")))
	}

	if !b.store.UpdateSetting(ctx, chatID, link, setting) {
		return deny("Not subscribed to this feed.")
	}

	return b.showSettings(ctx, msg.Chat.ID, link, setting)
}

func (b *Bot) handleShowSet(ctx context.Context, msg *models.Message, cmd command) error {
	targetArg, rest := cmd.target(1)

	link, err := firstURL(rest, "/showset [channel] <url>")
	if err != nil {
		return err
	}

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	setting, ok := b.store.GetSetting(chatID, link)
	if !ok {
		return deny("Not subscribed to this feed.")
	}

	return b.showSettings(ctx, msg.Chat.ID, link, setting)
}

func (b *Bot) showSettings(ctx context.Context, chatID int64, link string, setting domain.FeedSettings) error {
	prefs := setting.Resolved()

	var sb strings.Builder
	sb.WriteString(markdown.Bold("Settings for " + link))
	for _, key := range domain.SettingKeys {
		value, _ := prefs.Value(key)
		sb.WriteString(markdown.EscapeV2(fmt.Sprintf("\n%s = %t", key, value)))
	}

	b.replyMarkdown(ctx, chatID, sb.String())

	return nil
}

func (b *Bot) handleExport(ctx context.Context, msg *models.Message, cmd command) error {
	targetArg, _ := cmd.target(0)

	chatID, err := b.resolveTarget(ctx, msg, targetArg)
	if err != nil {
		return err
	}

	feeds := b.sortedFeeds(chatID)
	if len(feeds) == 0 {
		return deny("Subscription list is empty.")
	}

	raw, err := opml.Export("telefeed subscriptions", feeds, b.now())
	if err != nil {
		return fmt.Errorf("export opml: %w", err)
	}

	if _, err = b.api.SendDocument(ctx, &tgbot.SendDocumentParams{
		ChatID: msg.Chat.ID,
		Document: &models.InputFileUpload{
			Filename: exportFilename,
			Data:     bytes.NewReader(raw),
		},
	}); err != nil {
		return fmt.Errorf("send document: %w", err)
	}

	return nil
}

func (b *Bot) sortedFeeds(chatID int64) []domain.Feed {
	feeds, _ := b.store.SubscribedFeeds(chatID)
	sort.Slice(feeds, func(i, j int) bool {
		ti, tj := strings.ToLower(feedTitle(feeds[i])), strings.ToLower(feedTitle(feeds[j]))
		if ti != tj {
			return ti < tj
		}

		return feeds[i].Link < feeds[j].Link
	})

	return feeds
}

func firstURL(args []string, usage string) (string, error) {
	if len(args) == 0 {
		return "", deny("Usage: " + usage)
	}

	urls, err := feed.ExtractURLs(strings.Join(args, " "))
	if err != nil {
		return "", fmt.Errorf("extract urls: %w", err)
	}
	if len(urls) == 0 {
		return "", deny("Invalid URL.")
	}

	return urls[0], nil
}

func feedTitle(f domain.Feed) string {
	return lo.CoalesceOrEmpty(strings.TrimSpace(f.Title), f.Link)
}

func plainMessage(text string) channel.Message {
	return channel.Message{Text: text, DisablePreview: true}
}
