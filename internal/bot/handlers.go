package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sturdy-parent/internal/models"
	"sturdy-parent/internal/reply"
	"sturdy-parent/internal/script"
)

const (
	maxTelegramText = 4000
	journalPreview  = 5
	previewRunes    = 120
)

const helpText = `I write calm, ready-to-say scripts for hard parenting moments.

/start - pick a struggle and tone, then describe what happened
/coparent - rewrite a message to your co-parent
/journal - your recent scripts
/clear - clear your journal
/upgrade - plans with more scripts
/help - this message`

var planOrder = []models.PlanID{models.PlanWeekly, models.PlanMonthly, models.PlanLifetime}

func (t *TelegramBot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	command := message.Command()

	t.logger.Infow("Handling command", "command", command, "chat_id", chatID)

	switch command {
	case "start":
		t.update(chatID, func(st *chatState) {
			st.current = StateStruggle
			st.struggle = ""
			st.tone = ""
		})
		msg := tgbotapi.NewMessage(chatID, "Hi! What are you dealing with right now?")
		msg.ReplyMarkup = keyboard(script.Struggles, 2)
		t.send(msg)

	case "coparent":
		t.update(chatID, func(st *chatState) { st.current = StateCoparent })
		msg := tgbotapi.NewMessage(chatID, "Paste the message you want to send your co-parent. I'll make it brief, neutral and firm.")
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
		t.send(msg)

	case "journal":
		t.reply(chatID, t.journalText(chatID))

	case "clear":
		t.opts.Journal.Clear(chatKey(chatID))
		t.reply(chatID, "Journal cleared.")

	case "upgrade":
		t.sendUpgrade(chatID, "Pick a plan:")

	case "help":
		t.reply(chatID, helpText)

	default:
		t.reply(chatID, "Unknown command. Use /help to see what I can do.")
	}
}

func (t *TelegramBot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	text := strings.TrimSpace(message.Text)
	st := t.snapshot(chatID)

	switch st.current {
	case StateStruggle:
		if !contains(script.Struggles, text) {
			msg := tgbotapi.NewMessage(chatID, "Please pick one of the options below.")
			msg.ReplyMarkup = keyboard(script.Struggles, 2)
			t.send(msg)
			return
		}
		t.update(chatID, func(st *chatState) {
			st.struggle = text
			st.current = StateTone
		})
		msg := tgbotapi.NewMessage(chatID, "How firm should the script be?")
		msg.ReplyMarkup = keyboard(script.Tones, 3)
		t.send(msg)

	case StateTone:
		if !contains(script.Tones, text) {
			msg := tgbotapi.NewMessage(chatID, "Please pick a tone with the buttons below.")
			msg.ReplyMarkup = keyboard(script.Tones, 3)
			t.send(msg)
			return
		}
		t.update(chatID, func(st *chatState) {
			st.tone = text
			st.current = StateMessage
		})
		msg := tgbotapi.NewMessage(chatID, "Got it. Now describe the moment in a sentence or two.")
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
		t.send(msg)

	case StateMessage:
		t.generate(ctx, chatID, text, models.ModeScript)

	case StateCoparent:
		t.generate(ctx, chatID, text, models.ModeCoparent)

	case StateProcessing:
		t.reply(chatID, "Still working on your last one, hang on.")

	default:
		t.reply(chatID, "Use /start to begin, or /help to see what I can do.")
	}
}

func (t *TelegramBot) generate(ctx context.Context, chatID int64, text string, mode models.GenerationMode) {
	st, res := t.claim(chatID)
	switch res {
	case claimBusy:
		t.reply(chatID, "Still working on your last one, hang on.")
		return
	case claimOverLimit:
		t.sendUpgrade(chatID, fmt.Sprintf("You've used your %d free scripts. Upgrade to keep going:", t.opts.FreeLimit))
		return
	}

	next := st.current
	if mode == models.ModeCoparent {
		next = StateMessage
	}
	delivered := false
	defer func() { t.release(chatID, next, delivered) }()

	limit, err := t.opts.Limiter.Check(ctx, chatKey(chatID))
	if err != nil {
		t.logger.Warnw("Rate limiter unavailable, allowing request", "error", err, "chat_id", chatID)
	} else if !limit.Allowed {
		t.reply(chatID, fmt.Sprintf("Too many requests. Please try again in %d seconds.", limit.RetryAfterSeconds()))
		return
	}

	body, _ := json.Marshal(map[string]string{
		"message":  text,
		"struggle": st.struggle,
		"tone":     st.tone,
		"mode":     string(mode),
	})
	req, err := script.ParseRequest(body, t.opts.MaxMessageChars)
	if err != nil {
		var re *script.RequestError
		if errors.As(err, &re) {
			t.reply(chatID, re.Message)
			return
		}
		t.reply(chatID, "Sorry, I couldn't read that. Please try again.")
		return
	}

	if t.gen == nil || !t.gen.Configured() {
		t.logger.Errorw("Generation requested but OpenAI is not configured", "chat_id", chatID)
		t.reply(chatID, "Script generation isn't available right now.")
		return
	}

	if _, err := t.out.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Warnw("Failed to send typing action", "error", err, "chat_id", chatID)
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	prompt := script.Compose(req)
	out, err := t.gen.Complete(ctx, prompt.System, prompt.User)
	if err != nil {
		t.logger.Errorw("Failed to generate script", "error", err, "chat_id", chatID, "mode", mode)
		t.reply(chatID, "Sorry, I couldn't write that right now. Please try again.")
		return
	}

	var result string
	if mode == models.ModeCoparent {
		result = reply.CleanCoparent(out)
	} else {
		result = formatScript(reply.Parse(out))
	}

	delivered = true
	t.opts.Journal.Add(chatKey(chatID), mode, req.Message, result)

	for _, chunk := range splitText(result, maxTelegramText) {
		t.reply(chatID, chunk)
	}
	t.logger.Infow("Script delivered", "chat_id", chatID, "mode", mode)
}

func (t *TelegramBot) sendUpgrade(chatID int64, text string) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, id := range planOrder {
		url := t.opts.PaymentLinks[id]
		if url == "" {
			continue
		}
		plan := models.Plans[id]
		label := fmt.Sprintf("%s · %s", plan.Plan, plan.PriceLabel)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, url)))
	}
	if len(rows) == 0 {
		t.reply(chatID, "Upgrades aren't available right now.")
		return
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	t.send(msg)
}

func (t *TelegramBot) journalText(chatID int64) string {
	items := t.opts.Journal.List(chatKey(chatID), journalPreview)
	if len(items) == 0 {
		return "Your journal is empty. Use /start to write your first script."
	}

	var sb strings.Builder
	sb.WriteString("Your recent scripts:\n")
	for i, it := range items {
		fmt.Fprintf(&sb, "\n%d. %s (%s)\n%s\n", i+1, truncate(it.Situation, previewRunes), it.CreatedAt.Format("Jan 2"), truncate(it.Result, previewRunes))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatScript(p reply.Parsed) string {
	var sb strings.Builder
	sb.WriteString("💬 Say this:\n")
	sb.WriteString(p.Script)
	if !p.Structured() {
		return sb.String()
	}

	if *p.Summary != "" {
		sb.WriteString("\n\n📝 " + *p.Summary)
	}
	if len(p.WhyItWorks) > 0 {
		sb.WriteString("\n\nWhy it works:")
		for _, b := range p.WhyItWorks {
			sb.WriteString("\n• " + b)
		}
	}
	if len(p.Troubleshooting) > 0 {
		sb.WriteString("\n\nIf they push back:")
		for _, b := range p.Troubleshooting {
			sb.WriteString("\n• " + b)
		}
	}
	return sb.String()
}

func keyboard(options []string, perRow int) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	for i := 0; i < len(options); i += perRow {
		end := i + perRow
		if end > len(options) {
			end = len(options)
		}
		var row []tgbotapi.KeyboardButton
		for _, o := range options[i:end] {
			row = append(row, tgbotapi.NewKeyboardButton(o))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
	}
	return tgbotapi.NewReplyKeyboard(rows...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// splitText breaks s into chunks of at most n runes, preferring line breaks.
func splitText(s string, n int) []string {
	var out []string
	for utf8.RuneCountInString(s) > n {
		r := []rune(s)
		cut := n
		if i := strings.LastIndex(string(r[:n]), "\n"); i > 0 {
			cut = utf8.RuneCountInString(string(r[:n])[:i])
		}
		out = append(out, strings.TrimSpace(string(r[:cut])))
		s = strings.TrimSpace(string(r[cut:]))
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
