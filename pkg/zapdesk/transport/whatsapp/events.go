package whatsapp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport"
)

// ReceiptFunc is called when WhatsApp reports delivery or read receipts
// for messages we sent.
type ReceiptFunc func(userID string, transportIDs []string, status session.DeliveryStatus)

// SetReceiptHandler wires the delivery/read receipt callback. Must be
// called before Connect.
func (w *WhatsApp) SetReceiptHandler(fn ReceiptFunc) { w.onReceipt = fn }

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Receipt:
		w.handleReceipt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.setState(transport.StateConnected)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		w.connected.Store(false)
		w.setState(transport.StateDisconnected)
		w.logger.Warn("whatsapp: disconnected")
		if w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		// Another client took over this session. Reconnecting would
		// start a takeover loop, so stay down.
		w.connected.Store(false)
		w.setState(transport.StateError)
		w.logger.Error("whatsapp: stream replaced by another client")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.setState(transport.StateError)
		w.logger.Error("whatsapp: logged out, re-pairing required", "reason", evt.Reason)

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.setState(transport.StateError)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keepalive timeout", "error_count", evt.ErrorCount)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keepalive restored")

	case *events.ConnectFailure:
		w.connected.Store(false)
		w.setState(transport.StateDisconnected)
		w.logger.Error("whatsapp: connect failure", "reason", evt.Reason)
		if !evt.Reason.IsLoggedOut() && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamError:
		w.logger.Error("whatsapp: stream error", "code", evt.Code)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
		w.notifyQR(QREvent{Type: "success", Message: "WhatsApp conectado!"})

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")

	case *events.PushName:
		w.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)
	}
}

// handleMessageEvt normalizes an incoming message event. Only direct
// conversations feed the support console; groups, broadcasts and our own
// messages are skipped.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.IsGroup || evt.Info.Chat.Server == "broadcast" {
		return
	}

	// WhatsApp may deliver LID (Linked Identity) JIDs instead of phone
	// numbers. Resolve to the phone JID so the user id stays stable.
	senderJID := evt.Info.Sender
	if senderJID.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, senderJID); err == nil && !altJID.IsEmpty() {
			senderJID = altJID
		}
	}

	in := transport.Inbound{
		UserID:    senderJID.User,
		UserName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}

	w.extractContent(evt.Message, &in)
	in.Reply = w.extractQuoted(evt.Message)

	if in.Text == "" && in.File == nil {
		// Reactions, protocol messages and other event types the
		// console has no use for.
		return
	}

	w.emit(in)
}

// extractContent fills text or file from the raw message by type.
func (w *WhatsApp) extractContent(waMsg *waE2E.Message, in *transport.Inbound) {
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		in.Text = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		in.Text = ext.GetText()
		return
	}
	if img := waMsg.ImageMessage; img != nil {
		in.Text = img.GetCaption()
		in.File = w.downloadAttachment(img, img.GetMimetype(),
			fmt.Sprintf("image-%d%s", time.Now().Unix(), extensionFor(img.GetMimetype())),
			img.GetFileLength())
		return
	}
	if audio := waMsg.AudioMessage; audio != nil {
		in.File = w.downloadAttachment(audio, audio.GetMimetype(),
			fmt.Sprintf("audio-%d%s", time.Now().Unix(), extensionFor(audio.GetMimetype())),
			audio.GetFileLength())
		return
	}
	if video := waMsg.VideoMessage; video != nil {
		in.Text = video.GetCaption()
		in.File = w.downloadAttachment(video, video.GetMimetype(),
			fmt.Sprintf("video-%d%s", time.Now().Unix(), extensionFor(video.GetMimetype())),
			video.GetFileLength())
		return
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		in.Text = doc.GetCaption()
		name := doc.GetFileName()
		if name == "" {
			name = fmt.Sprintf("document-%d", time.Now().Unix())
		}
		in.File = w.downloadAttachment(doc, doc.GetMimetype(), name, doc.GetFileLength())
		return
	}
	if sticker := waMsg.StickerMessage; sticker != nil {
		in.File = w.downloadAttachment(sticker, sticker.GetMimetype(),
			fmt.Sprintf("sticker-%d.webp", time.Now().Unix()), sticker.GetFileLength())
		return
	}
	if loc := waMsg.LocationMessage; loc != nil {
		in.Text = fmt.Sprintf("📍 Localização: %.6f, %.6f",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
		return
	}
	if contact := waMsg.ContactMessage; contact != nil {
		in.Text = fmt.Sprintf("👤 Contato: %s", contact.GetDisplayName())
		return
	}
}

// downloadAttachment fetches media and wraps it as a base64 attachment.
// Failures degrade to nil so a broken download never drops the message.
func (w *WhatsApp) downloadAttachment(msg whatsmeow.DownloadableMessage, mimeType, name string, size uint64) *session.FileAttachment {
	maxBytes := uint64(w.cfg.MaxMediaSizeMB) * 1024 * 1024
	if size > maxBytes {
		w.logger.Warn("whatsapp: media exceeds size limit, skipping download",
			"name", name, "size", size, "limit", maxBytes)
		return nil
	}

	data, err := w.client.Download(w.ctx, msg)
	if err != nil {
		w.logger.Warn("whatsapp: media download failed", "name", name, "error", err)
		return nil
	}
	return &session.FileAttachment{
		Name:     name,
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

// extractQuoted builds a reply snapshot from the quoted context, when any.
func (w *WhatsApp) extractQuoted(waMsg *waE2E.Message) *session.ReplyRef {
	if waMsg == nil {
		return nil
	}

	var ctxInfo *waE2E.ContextInfo
	switch {
	case waMsg.ExtendedTextMessage != nil:
		ctxInfo = waMsg.ExtendedTextMessage.GetContextInfo()
	case waMsg.ImageMessage != nil:
		ctxInfo = waMsg.ImageMessage.GetContextInfo()
	case waMsg.AudioMessage != nil:
		ctxInfo = waMsg.AudioMessage.GetContextInfo()
	case waMsg.VideoMessage != nil:
		ctxInfo = waMsg.VideoMessage.GetContextInfo()
	case waMsg.DocumentMessage != nil:
		ctxInfo = waMsg.DocumentMessage.GetContextInfo()
	case waMsg.StickerMessage != nil:
		ctxInfo = waMsg.StickerMessage.GetContextInfo()
	}
	if ctxInfo == nil || ctxInfo.QuotedMessage == nil {
		return nil
	}

	ref := &session.ReplyRef{
		Text:   quotedText(ctxInfo.QuotedMessage),
		Sender: session.SenderUser,
	}
	// Quotes of our own messages come from the bot or an attendant; the
	// console's log keeps them under the bot sender.
	if ctxInfo.GetParticipant() != "" {
		if jid, err := types.ParseJID(ctxInfo.GetParticipant()); err == nil &&
			w.client != nil && w.client.Store.ID != nil && jid.User == w.client.Store.ID.User {
			ref.Sender = session.SenderBot
		}
	}
	return ref
}

func quotedText(quoted *waE2E.Message) string {
	if quoted.Conversation != nil {
		return quoted.GetConversation()
	}
	if ext := quoted.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := quoted.ImageMessage; img != nil {
		return "[imagem] " + img.GetCaption()
	}
	if vid := quoted.VideoMessage; vid != nil {
		return "[vídeo] " + vid.GetCaption()
	}
	if doc := quoted.DocumentMessage; doc != nil {
		return "[documento: " + doc.GetFileName() + "]"
	}
	if audio := quoted.AudioMessage; audio != nil {
		if audio.GetPTT() {
			return "[mensagem de voz]"
		}
		return "[áudio]"
	}
	return "[mensagem]"
}

// handleReceipt maps delivery/read receipts onto the message log.
func (w *WhatsApp) handleReceipt(evt *events.Receipt) {
	if w.onReceipt == nil || len(evt.MessageIDs) == 0 {
		return
	}

	var status session.DeliveryStatus
	switch evt.Type {
	case types.ReceiptTypeRead:
		status = session.StatusRead
	case types.ReceiptTypeDelivered:
		status = session.StatusDelivered
	default:
		return
	}

	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	w.onReceipt(evt.Chat.User, ids, status)
}

// parseJID converts a user id or full JID string to types.JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid JID %q", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func extensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mimeType, "image/png"):
		return ".png"
	case strings.HasPrefix(mimeType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mimeType, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mimeType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mimeType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mimeType, "application/pdf"):
		return ".pdf"
	default:
		return ""
	}
}
