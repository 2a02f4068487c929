package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"telefeed/internal/channel"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/samber/lo"
)

// Bot API descriptions that mean the target will never accept messages again.
//
//nolint:gochecknoglobals // Immutable lookup.
var unavailableMarkers = []string{
	"Forbidden",
	"chat not found",
	"have no rights",
	"need administrator rights",
}

type messageAPI interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *tgbot.EditMessageTextParams) (*models.Message, error)
}

// Sender delivers MarkdownV2 messages through the Bot API and translates its
// failures into channel errors.
type Sender struct {
	api messageAPI
}

func NewSender(api messageAPI) *Sender {
	return &Sender{api: api}
}

func (s *Sender) Send(ctx context.Context, target int64, msg channel.Message) (int, error) {
	sent, err := s.api.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:             target,
		Text:               strings.ToValidUTF8(msg.Text, "?"),
		ParseMode:          models.ParseModeMarkdown,
		LinkPreviewOptions: linkPreview(msg),
	})
	if err != nil {
		return 0, classify(err)
	}

	return sent.ID, nil
}

func (s *Sender) Edit(ctx context.Context, target int64, messageID int, msg channel.Message) error {
	_, err := s.api.EditMessageText(ctx, &tgbot.EditMessageTextParams{
		ChatID:             target,
		MessageID:          messageID,
		Text:               strings.ToValidUTF8(msg.Text, "?"),
		ParseMode:          models.ParseModeMarkdown,
		LinkPreviewOptions: linkPreview(msg),
	})
	if err != nil {
		return classify(err)
	}

	return nil
}

func linkPreview(msg channel.Message) *models.LinkPreviewOptions {
	if !msg.DisablePreview {
		return nil
	}

	return &models.LinkPreviewOptions{IsDisabled: tgbot.True()}
}

func classify(err error) error {
	var migrate *tgbot.MigrateError
	if errors.As(err, &migrate) {
		return &channel.MigratedError{To: int64(migrate.MigrateToChatID), Err: err}
	}

	var tooMany *tgbot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &channel.RateLimitedError{
			RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	if errors.Is(err, tgbot.ErrorForbidden) || lo.SomeBy(unavailableMarkers, func(marker string) bool {
		return strings.Contains(err.Error(), marker)
	}) {
		return fmt.Errorf("%w: %w", channel.ErrUnavailable, err)
	}

	return err
}
