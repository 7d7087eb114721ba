package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/trade-accounting/internal/notify"
)

// maxWebhookBody caps webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// WebhookHandler receives Sentry error webhooks and relays them to
// Telegram. The route is unauthenticated; the HMAC signature is the
// access control.
type WebhookHandler struct {
	secret   string
	telegram *notify.TelegramClient
	logger   *slog.Logger
}

func NewWebhookHandler(secret string, telegram *notify.TelegramClient, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, telegram: telegram, logger: logger}
}

// HandleSentry verifies the delivery signature, condenses the payload
// and forwards it. A failed relay answers 502 so Sentry retries.
//
// HTTP: POST /webhooks/sentry
func (h *WebhookHandler) HandleSentry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(notify.SignatureHeader)
	if !notify.VerifySignature(h.secret, body, signature) {
		h.logger.Warn("webhook delivery with bad signature",
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	alert, err := notify.ParseSentryAlert(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "invalid JSON payload",
		})
		return
	}

	if h.telegram == nil {
		h.logger.Warn("webhook received but telegram relay is not configured")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		return
	}

	if err := h.telegram.SendMessage(r.Context(), alert.Message()); err != nil {
		h.logger.Error("failed to relay alert", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "relay_failed",
			Message: "failed to send notification",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
