package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// errDenied carries a reply for the user. Other errors are internal.
type errDenied struct {
	reply string
}

func (e *errDenied) Error() string {
	return e.reply
}

func deny(reply string) error {
	return &errDenied{reply: reply}
}

type chatAPI interface {
	messageAPI
	GetChat(ctx context.Context, params *tgbot.GetChatParams) (*models.ChatFullInfo, error)
	GetChatMember(ctx context.Context, params *tgbot.GetChatMemberParams) (*models.ChatMember, error)
	SendDocument(ctx context.Context, params *tgbot.SendDocumentParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *tgbot.SendChatActionParams) (bool, error)
}

// isTargetArg reports whether arg names a chat rather than a feed URL:
// an @username or a numeric chat id.
func isTargetArg(arg string) bool {
	if strings.HasPrefix(arg, "@") && len(arg) > 1 {
		return true
	}

	_, err := strconv.ParseInt(arg, 10, 64)

	return err == nil
}

// resolveTarget returns the chat a command operates on. Without an explicit
// target it is the current chat. Managing a group or channel requires the
// user to administer it, and posting to a channel requires the bot to be an
// administrator there too.
func (b *Bot) resolveTarget(ctx context.Context, msg *models.Message, target string) (int64, error) {
	userID := msg.From.ID

	if target == "" {
		if msg.Chat.Type == models.ChatTypePrivate {
			return msg.Chat.ID, nil
		}
		if err := b.requireUserAdmin(ctx, msg.Chat.ID, userID); err != nil {
			return 0, err
		}

		return msg.Chat.ID, nil
	}

	var chatID any = target
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		chatID = id
	}

	chat, err := b.api.GetChat(ctx, &tgbot.GetChatParams{ChatID: chatID})
	if err != nil {
		b.log.DebugContext(ctx, "Failed to get target chat",
			"error", err,
			"target", target,
			"userID", userID)

		return 0, deny("Unable to find the target chat.")
	}

	if chat.Type == models.ChatTypePrivate {
		if chat.ID != userID {
			return 0, deny("You can only manage your own private chat.")
		}

		return chat.ID, nil
	}

	if err = b.requireUserAdmin(ctx, chat.ID, userID); err != nil {
		return 0, err
	}

	if chat.Type == models.ChatTypeChannel {
		isAdmin, adminErr := b.isAdmin(ctx, chat.ID, b.botID)
		if adminErr != nil {
			return 0, fmt.Errorf("check bot membership: %w", adminErr)
		}
		if !isAdmin {
			return 0, deny("The bot must be an administrator of the target channel.")
		}
	}

	return chat.ID, nil
}

func (b *Bot) requireUserAdmin(ctx context.Context, chatID int64, userID int64) error {
	if slices.Contains(b.adminUsers, userID) {
		return nil
	}

	isAdmin, err := b.isAdmin(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check user membership: %w", err)
	}
	if !isAdmin {
		return deny("You must be an administrator of the target chat.")
	}

	return nil
}

func (b *Bot) isAdmin(ctx context.Context, chatID int64, userID int64) (bool, error) {
	member, err := b.api.GetChatMember(ctx, &tgbot.GetChatMemberParams{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		if errors.Is(err, tgbot.ErrorBadRequest) {
			return false, nil
		}

		return false, err
	}

	return member.Type == models.ChatMemberTypeOwner || member.Type == models.ChatMemberTypeAdministrator, nil
}
