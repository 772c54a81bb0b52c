package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskbot/internal/tasks"
	"taskbot/internal/transport"
	"taskbot/internal/transport/router"
	"taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

// handleInput turns any non-command message into a task.
func (b *Bot) handleInput(ctx context.Context, req *router.Request) error {
	text := req.Text
	voice := false
	if msg := req.Update.Message; msg != nil && msg.Voice != nil {
		heard, ok, err := b.transcribe(ctx, req, *msg.Voice)
		if err != nil || !ok {
			return err
		}
		text, voice = heard, true
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c, err := b.tasks.CreateFromText(ctx, req.FromID, text)
	if errors.Is(err, tasks.ErrEmptyText) {
		return nil
	}
	if err != nil {
		return err
	}
	return req.Send(ctx, tasks.FormatCreated(c, voice))
}

// transcribe returns ok=false after replying when the voice note cannot be used.
func (b *Bot) transcribe(ctx context.Context, req *router.Request, v transport.Voice) (string, bool, error) {
	cfg := b.voice.Load()
	dl, canDownload := req.Adapter.(transport.VoiceDownloader)
	if !cfg.Enabled || b.tr == nil || !canDownload {
		return "", false, req.Reply(ctx, "🎤 Voice notes are not enabled. Please type the task.", nil)
	}
	if limit := cfg.MaxDuration; limit > 0 && time.Duration(v.Duration)*time.Second > limit {
		return "", false, req.Reply(ctx, "🎤 That voice note is too long, max "+limit.String()+".", nil)
	}
	audio, err := dl.DownloadVoice(ctx, v)
	if err != nil {
		req.Logger.Warn("voice download failed", logx.Err(err))
		return "", false, req.Reply(ctx, "🎤 Could not fetch the voice note, please try again.", nil)
	}
	text, err := b.tr.Transcribe(ctx, "voice.ogg", audio)
	if err != nil || strings.TrimSpace(text) == "" {
		req.Logger.Warn("transcription failed", logx.Err(err), logx.Int("bytes", len(audio)))
		return "", false, req.Reply(ctx, "🎤 I could not make out that voice note. Please type the task.", nil)
	}
	if err := req.Reply(ctx, "🎤 "+tgui.I(text).String(), nil); err != nil {
		req.Logger.Debug("echo transcript failed", logx.Err(err))
	}
	return text, true, nil
}
