// Package telegram — тонкий чат-адаптер: скриншот или текст переписки от
// пользователя превращается в запрос пайплайна, варианты ответа — в сообщение.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/pipeline"
)

type Bot struct {
	api  *tgbotapi.BotAPI
	orch *pipeline.Orchestrator
}

func New(api *tgbotapi.BotAPI, orch *pipeline.Orchestrator) *Bot {
	return &Bot{api: api, orch: orch}
}

// Run крутит long polling до отмены контекста.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	log.Printf("telegram: @%s polling", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil {
				continue
			}
			go b.handleMessage(ctx, upd.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}

	req := pipeline.Request{
		UserID:    fmt.Sprint(msg.From.ID),
		SessionID: fmt.Sprintf("tg:%d", cid),
		Tier:      llm.TierPremium,
	}

	switch {
	case len(msg.Photo) > 0:
		img, err := b.downloadPhoto(msg)
		if err != nil {
			b.sendError(cid, err)
			return
		}
		req.Image = img
		req.Text = strings.TrimSpace(msg.Caption)
	case strings.TrimSpace(msg.Text) != "":
		req.Text = msg.Text
	default:
		b.send(cid, "Пришлите скриншот переписки или вставьте её текст.")
		return
	}

	b.send(cid, "Смотрю переписку, минутку...")

	rctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	res := b.orch.Suggest(rctx, req)

	switch res.State {
	case pipeline.StateFailed:
		if errors.Is(res.Err, billing.ErrQuotaExceeded) {
			b.send(cid, "Лимит на сегодня исчерпан, попробуйте позже.")
			return
		}
		b.send(cid, "Не получилось разобрать переписку. Попробуйте ещё раз.")
	default:
		b.send(cid, renderReplies(res))
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		b.send(msg.Chat.ID,
			"Пришлите скриншот переписки (или вставьте текст) — предложу варианты ответа.")
	default:
		b.send(msg.Chat.ID, "Неизвестная команда. /help")
	}
}

// downloadPhoto забирает самый крупный вариант фото и кодирует его в base64.
func (b *Bot) downloadPhoto(msg *tgbotapi.Message) (string, error) {
	ph := msg.Photo[len(msg.Photo)-1]
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: ph.FileID})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)

	cl := &http.Client{Timeout: 30 * time.Second}
	resp, err := cl.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram file download: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func renderReplies(res pipeline.Result) string {
	var sb strings.Builder
	if res.Fallback {
		sb.WriteString("Не всё получилось разобрать, вот безопасный вариант:\n\n")
	} else {
		sb.WriteString("Варианты ответа:\n\n")
	}
	if res.Reply != nil {
		for i, r := range res.Reply.Replies {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (b *Bot) send(cid int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(cid, text)); err != nil {
		log.Printf("telegram: send to %d failed: %v", cid, err)
	}
}

func (b *Bot) sendError(cid int64, err error) {
	log.Printf("telegram: chat %d: %v", cid, err)
	b.send(cid, "Что-то пошло не так, попробуйте ещё раз.")
}
