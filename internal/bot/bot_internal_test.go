package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"telefeed/internal/domain"
	"telefeed/internal/feed"
	"telefeed/internal/store"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userID    int64 = 100
	botUserID int64 = 1
	channelID int64 = -1001
	feedURL         = "https://example.com/feed.xml"
)

type nopPersister struct{}

func (nopPersister) Load(context.Context) ([]domain.Feed, error) { return nil, nil }

func (nopPersister) Save(context.Context, []domain.Feed) error { return nil }

type fakeAPI struct {
	mu      sync.Mutex
	nextID  int
	sent    []*tgbot.SendMessageParams
	edits   []*tgbot.EditMessageTextParams
	docs    []*tgbot.SendDocumentParams
	texts   []string
	chats   map[string]*models.ChatFullInfo
	members map[[2]int64]models.ChatMemberType
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chats:   make(map[string]*models.ChatFullInfo),
		members: make(map[[2]int64]models.ChatMemberType),
	}
}

func (f *fakeAPI) SendMessage(_ context.Context, params *tgbot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.sent = append(f.sent, params)
	f.texts = append(f.texts, params.Text)

	return &models.Message{ID: f.nextID}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params *tgbot.EditMessageTextParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.edits = append(f.edits, params)
	f.texts = append(f.texts, params.Text)

	return &models.Message{ID: params.MessageID}, nil
}

func (f *fakeAPI) GetChat(_ context.Context, params *tgbot.GetChatParams) (*models.ChatFullInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chat, ok := f.chats[fmt.Sprint(params.ChatID)]
	if !ok {
		return nil, fmt.Errorf("%w, %s", tgbot.ErrorBadRequest, "Bad Request: chat not found")
	}

	return chat, nil
}

func (f *fakeAPI) GetChatMember(_ context.Context, params *tgbot.GetChatMemberParams) (*models.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chatID, _ := params.ChatID.(int64)
	memberType, ok := f.members[[2]int64{chatID, params.UserID}]
	if !ok {
		return nil, fmt.Errorf("%w, %s", tgbot.ErrorBadRequest, "Bad Request: user not found")
	}

	return &models.ChatMember{Type: memberType}, nil
}

func (f *fakeAPI) SendDocument(_ context.Context, params *tgbot.SendDocumentParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.docs = append(f.docs, params)

	return &models.Message{}, nil
}

func (f *fakeAPI) SendChatAction(context.Context, *tgbot.SendChatActionParams) (bool, error) {
	return true, nil
}

func (f *fakeAPI) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.texts) == 0 {
		return ""
	}

	return f.texts[len(f.texts)-1]
}

type fakeFetcher struct {
	feeds map[string]domain.FetchedFeed
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (domain.FetchedFeed, error) {
	f.calls++
	if f.err != nil {
		return domain.FetchedFeed{}, f.err
	}

	return f.feeds[rawURL], nil
}

type countingRescanner struct {
	calls int
}

func (r *countingRescanner) Rescan() {
	r.calls++
}

type harness struct {
	bot     *Bot
	api     *fakeAPI
	store   *store.Store
	fetcher *fakeFetcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), nopPersister{}, log)
	require.NoError(t, err)

	api := newFakeAPI()
	fetcher := &fakeFetcher{feeds: map[string]domain.FetchedFeed{
		feedURL: {
			Title: "Example",
			Items: []domain.Item{{ID: "1", Title: "one", Link: "https://example.com/1"}},
		},
	}}

	b := newBot(api, st, fetcher, opts, log)
	b.botID = botUserID

	return &harness{bot: b, api: api, store: st, fetcher: fetcher}
}

func (h *harness) privateMessage(text string) {
	h.bot.handleMessage(context.Background(), &models.Message{
		ID:   7,
		Text: text,
		From: &models.User{ID: userID},
		Chat: models.Chat{ID: userID, Type: models.ChatTypePrivate},
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		ok   bool
		name string
		args []string
	}{
		{text: "/sub https://a", ok: true, name: "sub", args: []string{"https://a"}},
		{text: "  /RSS@telefeed_bot  @chan ", ok: true, name: "rss", args: []string{"@chan"}},
		{text: "/start", ok: true, name: "start", args: []string{}},
		{text: "hello /sub", ok: false},
		{text: "/", ok: false},
		{text: "", ok: false},
	}

	for _, tt := range tests {
		cmd, ok := parseCommand(tt.text)
		require.Equal(t, tt.ok, ok, tt.text)
		if ok {
			assert.Equal(t, tt.name, cmd.name)
			assert.Equal(t, tt.args, cmd.args)
		}
	}
}

func TestCommandTarget(t *testing.T) {
	cmd := command{name: "sub", args: []string{"@chan", "https://a"}}
	target, rest := cmd.target(1)
	assert.Equal(t, "@chan", target)
	assert.Equal(t, []string{"https://a"}, rest)

	cmd = command{name: "sub", args: []string{"@durov_channel"}}
	target, rest = cmd.target(1)
	assert.Empty(t, target)
	assert.Equal(t, []string{"@durov_channel"}, rest)

	cmd = command{name: "rss", args: []string{"-1001"}}
	target, _ = cmd.target(0)
	assert.Equal(t, "-1001", target)

	cmd = command{name: "sub", args: []string{"https://a", "https://b"}}
	target, _ = cmd.target(1)
	assert.Empty(t, target)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, Options{})
	rescanner := &countingRescanner{}
	h.bot.SetRescanner(rescanner)

	h.privateMessage("/sub " + feedURL)

	assert.True(t, h.store.IsSubscribed(userID, feedURL))
	assert.Equal(t, 1, rescanner.calls)
	require.Len(t, h.api.edits, 1)
	assert.Equal(t, 1, h.api.edits[0].MessageID)
	assert.Contains(t, h.api.edits[0].Text, "Subscribed to [Example]")

	h.privateMessage("/sub " + feedURL)
	assert.Equal(t, 1, h.fetcher.calls)
	assert.Contains(t, h.api.lastText(), "Already subscribed")
}

func TestSubscribeTelegramChannelMention(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.feeds["https://t.me/s/durov_channel"] = domain.FetchedFeed{Title: "Durov"}

	h.privateMessage("/sub @durov_channel")

	assert.True(t, h.store.IsSubscribed(userID, "https://t.me/s/durov_channel"))
}

func TestSubscribeFetchFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.err = &feed.Error{Kind: feed.KindStatus, URL: feedURL, Status: 404}

	h.privateMessage("/sub " + feedURL)

	assert.False(t, h.store.IsSubscribed(userID, feedURL))
	assert.Contains(t, h.api.lastText(), "server returned 404")
}

func TestSubscribeRespectsFeedLimit(t *testing.T) {
	h := newHarness(t, Options{MaxFeeds: 1})
	require.True(t, h.store.Subscribe(context.Background(), 5, "https://other/rss", domain.FetchedFeed{}))

	h.privateMessage("/sub " + feedURL)
	assert.False(t, h.store.IsSubscribed(userID, feedURL))
	assert.Contains(t, h.api.lastText(), "feed limit")

	// Existing feeds do not count against the limit.
	h.privateMessage("/sub https://other/rss")
	assert.True(t, h.store.IsSubscribed(userID, "https://other/rss"))
}

func TestSubscribeInvalidURL(t *testing.T) {
	h := newHarness(t, Options{})

	h.privateMessage("/sub not-a-url")
	assert.Contains(t, h.api.lastText(), "Invalid URL")

	h.privateMessage("/sub")
	assert.Contains(t, h.api.lastText(), "Usage")
	assert.Zero(t, h.fetcher.calls)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, Options{})
	h.privateMessage("/sub " + feedURL)

	h.privateMessage("/unsub " + feedURL)
	assert.False(t, h.store.IsSubscribed(userID, feedURL))
	assert.Contains(t, h.api.lastText(), "Unsubscribed from [Example]")

	h.privateMessage("/unsub " + feedURL)
	assert.Contains(t, h.api.lastText(), "Not subscribed")
}

func TestListSubscriptions(t *testing.T) {
	h := newHarness(t, Options{})

	h.privateMessage("/rss")
	assert.Contains(t, h.api.lastText(), "Subscription list is empty")

	ctx := context.Background()
	h.store.Subscribe(ctx, userID, "https://b/rss", domain.FetchedFeed{Title: "beta"})
	h.store.Subscribe(ctx, userID, "https://a/rss", domain.FetchedFeed{Title: "Alpha"})

	h.privateMessage("/rss")
	text := h.api.lastText()
	assert.True(t, strings.HasPrefix(text, "*Subscriptions*\n"))
	assert.Less(t, strings.Index(text, "Alpha"), strings.Index(text, "beta"))
}

func TestSettings(t *testing.T) {
	h := newHarness(t, Options{})
	h.privateMessage("/sub " + feedURL)

	h.privateMessage("/set " + feedURL + " link_only=true")
	setting, ok := h.store.GetSetting(userID, feedURL)
	require.True(t, ok)
	assert.True(t, setting.Resolved().LinkOnly)
	assert.Contains(t, h.api.lastText(), "link\\_only \\= true")

	h.privateMessage("/set " + feedURL + " bogus=true")
	assert.Contains(t, h.api.lastText(), "Invalid setting")

	h.privateMessage("/showset " + feedURL)
	assert.Contains(t, h.api.lastText(), "disable\\_preview \\= true")
}

func TestExport(t *testing.T) {
	h := newHarness(t, Options{})
	h.privateMessage("/sub " + feedURL)

	h.privateMessage("/export")

	require.Len(t, h.api.docs, 1)
	upload, ok := h.api.docs[0].Document.(*models.InputFileUpload)
	require.True(t, ok)
	assert.Equal(t, exportFilename, upload.Filename)

	raw, err := io.ReadAll(upload.Data)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `xmlUrl="`+feedURL+`"`)
}

func TestAllowedUsers(t *testing.T) {
	h := newHarness(t, Options{AllowedUsers: []int64{42}})

	h.privateMessage("/help")
	assert.Empty(t, h.api.sent)
}

func TestChannelTarget(t *testing.T) {
	h := newHarness(t, Options{})
	h.api.chats["@chan"] = &models.ChatFullInfo{ID: channelID, Type: models.ChatTypeChannel}

	h.privateMessage("/sub @chan " + feedURL)
	assert.Contains(t, h.api.lastText(), "must be an administrator of the target chat")

	h.api.members[[2]int64{channelID, userID}] = models.ChatMemberTypeAdministrator
	h.privateMessage("/sub @chan " + feedURL)
	assert.Contains(t, h.api.lastText(), "bot must be an administrator")

	h.api.members[[2]int64{channelID, botUserID}] = models.ChatMemberTypeAdministrator
	h.privateMessage("/sub @chan " + feedURL)
	assert.True(t, h.store.IsSubscribed(channelID, feedURL))
	assert.False(t, h.store.IsSubscribed(userID, feedURL))
}

func TestAdminUsersBypassMembershipCheck(t *testing.T) {
	h := newHarness(t, Options{AdminUsers: []int64{userID}})
	h.api.chats["@chan"] = &models.ChatFullInfo{ID: channelID, Type: models.ChatTypeChannel}
	h.api.members[[2]int64{channelID, botUserID}] = models.ChatMemberTypeAdministrator

	h.privateMessage("/sub @chan " + feedURL)
	assert.True(t, h.store.IsSubscribed(channelID, feedURL))
}

func TestUnknownTarget(t *testing.T) {
	h := newHarness(t, Options{})

	h.privateMessage("/rss @missing")
	assert.Contains(t, h.api.lastText(), "Unable to find the target chat")
}

func TestChannelPostGetsHint(t *testing.T) {
	h := newHarness(t, Options{})

	h.bot.handleUpdate(context.Background(), nil, &models.Update{
		ChannelPost: &models.Message{Text: "/sub https://a", Chat: models.Chat{ID: channelID}},
	})

	require.Len(t, h.api.sent, 1)
	assert.Contains(t, h.api.sent[0].Text, "not available in channels")
}

func TestBotIDFromToken(t *testing.T) {
	id, err := botIDFromToken("123456:ABC-DEF")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), id)

	_, err = botIDFromToken("garbage")
	assert.Error(t, err)
}

func TestCommandErrorsAreReported(t *testing.T) {
	h := newHarness(t, Options{})
	h.api.chats["@chan"] = &models.ChatFullInfo{ID: channelID, Type: models.ChatTypeSupergroup}

	err := h.bot.runCommand(context.Background(), &models.Message{
		From: &models.User{ID: userID},
		Chat: models.Chat{ID: userID, Type: models.ChatTypePrivate},
	}, command{name: "rss", args: []string{"@chan"}})

	var denied *errDenied
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.reply, "administrator")
}
