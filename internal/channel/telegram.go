package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the push sender.
type TelegramConfig struct {
	Token     string
	ParseMode string // "", "HTML" or "MarkdownV2"
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL string
}

type botSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSender delivers the push medium as a bot message. The recipient's
// push token is the Telegram chat id.
type TelegramSender struct {
	bot       botSender
	parseMode tele.ParseMode
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegramSender(b, cfg.ParseMode), nil
}

func newTelegramSender(bot botSender, parseMode string) *TelegramSender {
	return &TelegramSender{bot: bot, parseMode: tele.ParseMode(parseMode)}
}

func (s *TelegramSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Address), 10, 64)
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("bad chat id %q: %w", msg.Address, err))
	}
	text := msg.Body
	if strings.TrimSpace(msg.Subject) != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	chunks := splitTelegramText(text, telegramTextLimit, string(s.parseMode))

	chat := &tele.Chat{ID: chatID}
	var first *tele.Message
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		m, err := s.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: s.parseMode})
		if err != nil {
			if telegramPermanent(err) {
				return Receipt{}, Permanent(err)
			}
			return Receipt{}, err
		}
		if first == nil {
			first = m
		}
	}
	r := Receipt{At: time.Now()}
	if first != nil {
		r.ProviderID = strconv.Itoa(first.ID)
	}
	return r, nil
}

func telegramPermanent(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound)
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
