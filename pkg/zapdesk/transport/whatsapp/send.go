package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport"
)

// SendText delivers a plain text message and returns the wire message id.
func (w *WhatsApp) SendText(ctx context.Context, userID, text string) (string, error) {
	if !w.connected.Load() {
		return "", transport.ErrDisconnected
	}
	jid, err := parseJID(userID)
	if err != nil {
		return "", fmt.Errorf("parsing recipient: %w", err)
	}

	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending text: %w", err)
	}
	return string(resp.ID), nil
}

// SendFiles uploads and delivers attachments. Text rides along as the
// caption of the first attachment; remaining files go captionless. The
// returned id is the last delivered message's.
func (w *WhatsApp) SendFiles(ctx context.Context, userID, text string, files []session.FileAttachment) (string, error) {
	if !w.connected.Load() {
		return "", transport.ErrDisconnected
	}
	if len(files) == 0 {
		return w.SendText(ctx, userID, text)
	}
	jid, err := parseJID(userID)
	if err != nil {
		return "", fmt.Errorf("parsing recipient: %w", err)
	}

	var lastID string
	for i, f := range files {
		caption := ""
		if i == 0 {
			caption = text
		}
		msg, err := w.buildMediaMessage(ctx, f, caption)
		if err != nil {
			return "", fmt.Errorf("preparing %s: %w", f.Name, err)
		}
		resp, err := w.client.SendMessage(ctx, jid, msg)
		if err != nil {
			return "", fmt.Errorf("sending %s: %w", f.Name, err)
		}
		lastID = string(resp.ID)
	}
	return lastID, nil
}

// buildMediaMessage uploads the attachment and wraps it in the message
// type matching its mime class.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, f session.FileAttachment, caption string) (*waE2E.Message, error) {
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment: %w", err)
	}

	switch {
	case strings.HasPrefix(f.MimeType, "image/"):
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("uploading image: %w", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	case strings.HasPrefix(f.MimeType, "audio/"):
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("uploading audio: %w", err)
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	case strings.HasPrefix(f.MimeType, "video/"):
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("uploading video: %w", err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	default:
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("uploading document: %w", err)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(f.Name),
			Mimetype:      proto.String(f.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

// EditText rewrites an already delivered message in place.
func (w *WhatsApp) EditText(ctx context.Context, userID, transportID, newText string) error {
	if !w.connected.Load() {
		return transport.ErrDisconnected
	}
	jid, err := parseJID(userID)
	if err != nil {
		return fmt.Errorf("parsing recipient: %w", err)
	}

	edit := w.client.BuildEdit(jid, types.MessageID(transportID), &waE2E.Message{
		Conversation: proto.String(newText),
	})
	if _, err := w.client.SendMessage(ctx, jid, edit); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}
