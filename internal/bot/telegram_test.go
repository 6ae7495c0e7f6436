package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sturdy-parent/internal/journal"
	"sturdy-parent/internal/models"
	"sturdy-parent/internal/ratelimit"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return f.sent[len(f.sent)-1]
}

type fakeGen struct {
	out   string
	err   error
	calls int
	user  string
}

func (g *fakeGen) Configured() bool { return true }

func (g *fakeGen) Complete(_ context.Context, _, user string) (string, error) {
	g.calls++
	g.user = user
	return g.out, g.err
}

const structuredReply = `"Shoes on, then we race to the car."###You give one clear step.###*Short words land*Racing makes it a game###*If they melt down, pause*`

func text(chatID int64, s string) tgbotapi.Update {
	msg := &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, From: &tgbotapi.User{ID: chatID}, Text: s}
	if strings.HasPrefix(s, "/") {
		cmd := strings.SplitN(s, " ", 2)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func newTestBot(gen Generator, opts Options) (*TelegramBot, *fakeSender) {
	out := &fakeSender{}
	return newBot(out, gen, opts, nil), out
}

func walkToMessage(t *testing.T, b *TelegramBot, chatID int64) {
	t.Helper()
	ctx := context.Background()
	b.handleUpdate(ctx, text(chatID, "/start"))
	b.handleUpdate(ctx, text(chatID, "Resistance/Defiance"))
	b.handleUpdate(ctx, text(chatID, "Balanced"))
	require.Equal(t, StateMessage, b.snapshot(chatID).current)
}

func TestScriptFlow(t *testing.T) {
	gen := &fakeGen{out: structuredReply}
	b, out := newTestBot(gen, Options{})
	walkToMessage(t, b, 7)

	b.handleUpdate(context.Background(), text(7, "He won't put his shoes on"))

	require.Equal(t, 1, gen.calls)
	assert.Contains(t, gen.user, "Resistance/Defiance")
	got := out.last().Text
	assert.Contains(t, got, "Shoes on, then we race to the car.")
	assert.Contains(t, got, "• Short words land")
	assert.Contains(t, got, "• If they melt down, pause")
	assert.Equal(t, StateMessage, b.snapshot(7).current)

	items := b.opts.Journal.List(chatKey(7), 0)
	require.Len(t, items, 1)
	assert.Equal(t, models.ModeScript, items[0].Type)
	assert.Equal(t, "He won't put his shoes on", items[0].Situation)
}

func TestInvalidChoicesRepeatThePrompt(t *testing.T) {
	b, out := newTestBot(&fakeGen{}, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, text(1, "/start"))
	b.handleUpdate(ctx, text(1, "Bedtime"))
	assert.Equal(t, StateStruggle, b.snapshot(1).current)
	assert.Contains(t, out.last().Text, "pick one")

	b.handleUpdate(ctx, text(1, "Siblings"))
	b.handleUpdate(ctx, text(1, "Shouty"))
	assert.Equal(t, StateTone, b.snapshot(1).current)
}

func TestMessageWithoutStart(t *testing.T) {
	gen := &fakeGen{out: "x"}
	b, out := newTestBot(gen, Options{})
	b.handleUpdate(context.Background(), text(1, "hello"))
	assert.Contains(t, out.last().Text, "/start")
	assert.Zero(t, gen.calls)
}

func TestCoparentRewrite(t *testing.T) {
	gen := &fakeGen{out: "Section 1: Script\nPickup is at 5pm Friday.\n###\n"}
	b, out := newTestBot(gen, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, text(3, "/coparent"))
	require.Equal(t, StateCoparent, b.snapshot(3).current)
	b.handleUpdate(ctx, text(3, "you are ALWAYS late for pickup!!"))

	assert.Equal(t, "Pickup is at 5pm Friday.", out.last().Text)
	assert.Equal(t, StateMessage, b.snapshot(3).current)
	items := b.opts.Journal.List(chatKey(3), 0)
	require.Len(t, items, 1)
	assert.Equal(t, models.ModeCoparent, items[0].Type)
}

func TestFreeLimit(t *testing.T) {
	gen := &fakeGen{out: "ok"}
	b, out := newTestBot(gen, Options{
		FreeLimit:    2,
		PaymentLinks: map[models.PlanID]string{models.PlanMonthly: "https://buy.stripe.com/monthly"},
	})
	walkToMessage(t, b, 9)
	ctx := context.Background()

	b.handleUpdate(ctx, text(9, "one"))
	b.handleUpdate(ctx, text(9, "two"))
	b.handleUpdate(ctx, text(9, "three"))

	assert.Equal(t, 2, gen.calls)
	last := out.last()
	assert.Contains(t, last.Text, "2 free scripts")
	markup, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	require.NotNil(t, markup.InlineKeyboard[0][0].URL)
	assert.Equal(t, "https://buy.stripe.com/monthly", *markup.InlineKeyboard[0][0].URL)
}

func TestRateLimitPerChat(t *testing.T) {
	gen := &fakeGen{out: "ok"}
	b, out := newTestBot(gen, Options{
		FreeLimit: 100,
		Limiter:   ratelimit.NewMemory(ratelimit.Options{Max: 1}),
	})
	walkToMessage(t, b, 5)
	ctx := context.Background()

	b.handleUpdate(ctx, text(5, "one"))
	b.handleUpdate(ctx, text(5, "two"))

	assert.Equal(t, 1, gen.calls)
	assert.Contains(t, out.last().Text, "Too many requests")
}

func TestGenerationFailure(t *testing.T) {
	gen := &fakeGen{err: errors.New("upstream down")}
	b, out := newTestBot(gen, Options{})
	walkToMessage(t, b, 4)

	b.handleUpdate(context.Background(), text(4, "help"))

	assert.Contains(t, out.last().Text, "Sorry")
	assert.Equal(t, StateMessage, b.snapshot(4).current)
	assert.Empty(t, b.opts.Journal.List(chatKey(4), 0))
	assert.Zero(t, b.snapshot(4).used)
}

func TestJournalAndClear(t *testing.T) {
	store := journal.NewStore(10)
	store.Add(chatKey(2), models.ModeScript, "tantrum at the store", "Breathe with me.")
	b, out := newTestBot(&fakeGen{}, Options{Journal: store})
	ctx := context.Background()

	b.handleUpdate(ctx, text(2, "/journal"))
	assert.Contains(t, out.last().Text, "tantrum at the store")

	b.handleUpdate(ctx, text(2, "/clear"))
	b.handleUpdate(ctx, text(2, "/journal"))
	assert.Contains(t, out.last().Text, "empty")
}

func TestUpgradeWithoutLinks(t *testing.T) {
	b, out := newTestBot(&fakeGen{}, Options{})
	b.handleUpdate(context.Background(), text(1, "/upgrade"))
	assert.Contains(t, out.last().Text, "aren't available")
}

func TestUnknownCommand(t *testing.T) {
	b, out := newTestBot(&fakeGen{}, Options{})
	b.handleUpdate(context.Background(), text(1, "/dance"))
	assert.Contains(t, out.last().Text, "/help")
}

// blockingGen holds every completion until release is closed.
type blockingGen struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *blockingGen) Configured() bool { return true }

func (g *blockingGen) Complete(ctx context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started <- struct{}{}
	select {
	case <-g.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *blockingGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestOverlappingMessagesCannotExceedFreeLimit(t *testing.T) {
	gen := &blockingGen{started: make(chan struct{}, 4), release: make(chan struct{})}
	b, out := newTestBot(gen, Options{FreeLimit: 1})
	walkToMessage(t, b, 6)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		b.handleUpdate(ctx, text(6, "first"))
		close(done)
	}()
	<-gen.started

	b.handleUpdate(ctx, text(6, "second"))
	assert.Contains(t, out.last().Text, "Still working")

	close(gen.release)
	<-done

	b.handleUpdate(ctx, text(6, "third"))
	assert.Contains(t, out.last().Text, "1 free scripts")
	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, 1, b.snapshot(6).used)
	assert.Equal(t, StateMessage, b.snapshot(6).current)
}

func TestConcurrentMessagesClaimOnce(t *testing.T) {
	gen := &blockingGen{started: make(chan struct{}, 16), release: make(chan struct{})}
	b, _ := newTestBot(gen, Options{FreeLimit: 5})
	walkToMessage(t, b, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handleUpdate(ctx, text(8, "again"))
		}()
	}
	<-gen.started
	close(gen.release)
	wg.Wait()

	assert.GreaterOrEqual(t, gen.Calls(), 1)
	assert.LessOrEqual(t, gen.Calls(), 5)
	assert.Equal(t, gen.Calls(), b.snapshot(8).used)
	assert.Equal(t, StateMessage, b.snapshot(8).current)
}

func TestSplitText(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(s, 10))
	assert.Equal(t, []string{"short"}, splitText("short", 10))
	assert.Equal(t, []string{"abcd", "ef"}, splitText("abcdef", 4))
}
