package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "weeknotify/internal/transport"
	logx "weeknotify/pkg/logx"
)

type Config struct {
	Token string
	// Timeout bounds each Bot API call. 0 means 10s.
	Timeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// Adapter is a send-only Telegram transport. It never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}, nil
}

func (a *Adapter) Name() string { return "telegram" }

const telegramTextLimit = 4096

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. For HTML it never cuts inside a tag or an entity, and each chunk
// closes the tags still open at its end and reopens them in the next chunk.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, string(tele.ModeHTML))
	var out []string
	var open []htmlTag
	start := 0
	for start < len(rs) {
		prefix := openingTags(open)
		budget := limit - utf8.RuneCountInString(prefix)
		var end int
		var stack []htmlTag
		var suffix string
		for {
			end = cutPoint(rs, start, max(budget, 1), html)
			stack, suffix = nil, ""
			if html && end < len(rs) {
				stack = trackTags(open, rs[start:end])
				suffix = closingTags(stack)
			}
			n := utf8.RuneCountInString(prefix) + end - start + utf8.RuneCountInString(suffix)
			if n <= limit || budget <= limit/4 {
				break
			}
			budget -= n - limit
		}

		out = append(out, prefix+strings.TrimRight(string(rs[start:end]), "\n")+suffix)
		open = stack
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// cutPoint returns the end of the chunk starting at start.
func cutPoint(rs []rune, start, budget int, html bool) int {
	end := min(start+budget, len(rs))
	if end == len(rs) {
		return end
	}
	for i := end - 1; i-start >= budget/3; i-- {
		if rs[i] == '\n' {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}
	lt, gt, amp, semi := -1, -1, -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lt = i
		case '>':
			gt = i
		case '&':
			amp = i
		case ';':
			semi = i
		}
	}
	if lt > gt && lt > start {
		end = lt
	}
	if amp > semi && amp > start && amp < end && end-amp <= 10 {
		end = amp
	}
	return end
}

type htmlTag struct {
	name string
	raw  string
}

// trackTags returns the tags left open after seg, given those open before it.
func trackTags(open []htmlTag, seg []rune) []htmlTag {
	stack := append([]htmlTag(nil), open...)
	for i := 0; i < len(seg); i++ {
		if seg[i] != '<' {
			continue
		}
		j := i + 1
		for j < len(seg) && seg[j] != '>' {
			j++
		}
		if j == len(seg) {
			break
		}
		inner := string(seg[i+1 : j])
		i = j
		if name, ok := strings.CutPrefix(inner, "/"); ok {
			name = tagName(name)
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == name {
					stack = stack[:k]
					break
				}
			}
			continue
		}
		if name := tagName(inner); name != "" && !strings.HasSuffix(inner, "/") {
			stack = append(stack, htmlTag{name: name, raw: "<" + inner + ">"})
		}
	}
	return stack
}

func tagName(inner string) string {
	f := strings.Fields(inner)
	if len(f) == 0 {
		return ""
	}
	return strings.ToLower(f[0])
}

func openingTags(stack []htmlTag) string {
	var b strings.Builder
	for _, t := range stack {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closingTags(stack []htmlTag) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString("</" + stack[i].name + ">")
	}
	return b.String()
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	a.log.Debug("message sent", logx.Int64("chat_id", to.ChatID), logx.Int("msg_id", first.MessageID))
	return first, nil
}
