package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sturdy-parent/internal/journal"
	"sturdy-parent/internal/models"
	"sturdy-parent/internal/ratelimit"
	"sturdy-parent/pkg/logger"
)

const (
	StateStart      = "start"
	StateStruggle   = "struggle"
	StateTone       = "tone"
	StateMessage    = "message"
	StateCoparent   = "coparent"
	StateProcessing = "processing"
)

const (
	DefaultFreeLimit = 5
	generateTimeout  = 90 * time.Second
)

// sender is the part of *tgbotapi.BotAPI the handlers use.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Generator returns a full completion. *gpt.Client implements it.
type Generator interface {
	Configured() bool
	Complete(ctx context.Context, system, user string) (string, error)
}

type Options struct {
	Limiter ratelimit.Limiter
	Journal *journal.Store
	// PaymentLinks maps plans to hosted Stripe Payment Link URLs shown by /upgrade.
	PaymentLinks    map[models.PlanID]string
	FreeLimit       int
	MaxMessageChars int
}

type chatState struct {
	current  string
	struggle string
	tone     string
	used     int
}

type TelegramBot struct {
	api    *tgbotapi.BotAPI
	out    sender
	gen    Generator
	opts   Options
	logger *logger.Logger

	states     map[int64]*chatState
	stateMutex sync.RWMutex
}

func NewTelegramBot(token string, gen Generator, opts Options, l *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	l.Infow("Authorized on Telegram", "username", api.Self.UserName)

	t := newBot(api, gen, opts, l)
	t.api = api
	return t, nil
}

func newBot(out sender, gen Generator, opts Options, l *logger.Logger) *TelegramBot {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemory(ratelimit.Options{})
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewStore(journal.DefaultCapacity)
	}
	if opts.FreeLimit <= 0 {
		opts.FreeLimit = DefaultFreeLimit
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &TelegramBot{
		out:    out,
		gen:    gen,
		opts:   opts,
		logger: l,
		states: make(map[int64]*chatState),
	}
}

// Start begins receiving updates from Telegram via polling.
func (t *TelegramBot) Start(ctx context.Context) error {
	t.logger.Info("Removing any existing webhook")
	if _, err := t.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := t.api.GetUpdatesChan(updateConfig)

	t.logger.Info("Started receiving Telegram updates")

	go t.handleUpdates(ctx, updates)
	return nil
}

func (t *TelegramBot) handleUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		go func(update tgbotapi.Update) {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Errorw("Recovered from panic while processing update", "error", r)
				}
			}()
			t.handleUpdate(ctx, update)
		}(update)
	}
}

func (t *TelegramBot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		if update.Message.IsCommand() {
			t.handleCommand(ctx, update.Message)
		} else {
			t.handleMessage(ctx, update.Message)
		}
	case update.CallbackQuery != nil:
		// Buttons only carry URLs; just acknowledge.
		if _, err := t.out.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "")); err != nil {
			t.logger.Warnw("Failed to answer callback query", "error", err)
		}
	}
}

// Stop gracefully shuts down the bot.
func (t *TelegramBot) Stop(ctx context.Context) error {
	if t.api != nil {
		t.api.StopReceivingUpdates()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

func (t *TelegramBot) state(chatID int64) *chatState {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	st, ok := t.states[chatID]
	if !ok {
		st = &chatState{current: StateStart}
		t.states[chatID] = st
	}
	return st
}

// snapshot returns a copy of the chat state for reading outside the lock.
func (t *TelegramBot) snapshot(chatID int64) chatState {
	t.stateMutex.RLock()
	defer t.stateMutex.RUnlock()
	if st, ok := t.states[chatID]; ok {
		return *st
	}
	return chatState{current: StateStart}
}

func (t *TelegramBot) update(chatID int64, fn func(st *chatState)) {
	st := t.state(chatID)
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	fn(st)
}

type claimResult int

const (
	claimed claimResult = iota
	claimBusy
	claimOverLimit
)

// claim moves an idle chat under its free limit to StateProcessing and returns
// the state it had before. Check and transition happen under one lock.
func (t *TelegramBot) claim(chatID int64) (chatState, claimResult) {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()

	st, ok := t.states[chatID]
	if !ok {
		st = &chatState{current: StateStart}
		t.states[chatID] = st
	}
	prev := *st
	switch {
	case st.current == StateProcessing:
		return prev, claimBusy
	case st.used >= t.opts.FreeLimit:
		return prev, claimOverLimit
	}
	st.current = StateProcessing
	return prev, claimed
}

// release leaves StateProcessing unless a command already moved the chat on.
func (t *TelegramBot) release(chatID int64, next string, delivered bool) {
	t.update(chatID, func(s *chatState) {
		if delivered {
			s.used++
		}
		if s.current == StateProcessing {
			s.current = next
		}
	})
}

func chatKey(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

func (t *TelegramBot) send(msg tgbotapi.MessageConfig) {
	if _, err := t.out.Send(msg); err != nil {
		t.logger.Errorw("Failed to send message", "error", err, "chat_id", msg.ChatID)
	}
}

func (t *TelegramBot) reply(chatID int64, text string) {
	t.send(tgbotapi.NewMessage(chatID, text))
}
