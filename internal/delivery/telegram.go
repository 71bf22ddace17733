package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/italolelis/mediadrop/internal/media"
)

// TelegramUploader delivers through the Telegram Bot API. Pointing it at a
// local Bot API server lifts the upload ceiling to 2 GiB.
type TelegramUploader struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramUploader authenticates against the Bot API. endpoint follows the
// tgbotapi format, e.g. "http://localhost:8081/bot%s/%s"; empty means the
// public API.
func NewTelegramUploader(token, endpoint string, client *http.Client) (*TelegramUploader, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramUploader{bot: bot}, nil
}

// Upload streams r as a video, audio or document message depending on kind.
func (t *TelegramUploader) Upload(_ context.Context, req UploadRequest, r io.Reader) error {
	file := tgbotapi.FileReader{Name: req.Filename, Reader: r}

	var msg tgbotapi.Chattable

	switch req.Kind {
	case media.KindVideo, media.KindCombined:
		video := tgbotapi.NewVideo(req.ChatID, file)
		video.Caption = req.Title
		video.SupportsStreaming = true
		msg = video
	case media.KindAudio:
		audio := tgbotapi.NewAudio(req.ChatID, file)
		audio.Caption = req.Title
		audio.Title = req.Title
		msg = audio
	default:
		doc := tgbotapi.NewDocument(req.ChatID, file)
		doc.Caption = req.Title
		msg = doc
	}

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram upload of %s failed: %w", humanize.IBytes(uint64(req.Size)), err)
	}

	return nil
}

// SendLink posts the download link as a plain text message.
func (t *TelegramUploader) SendLink(_ context.Context, link Link) error {
	text := fmt.Sprintf("%s (%s)\n%s\n\nThe link expires %s.",
		link.Title,
		humanize.IBytes(uint64(link.Size)),
		link.URL,
		humanize.Time(link.ExpiresAt),
	)

	msg := tgbotapi.NewMessage(link.ChatID, text)
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send link message: %w", err)
	}

	return nil
}
