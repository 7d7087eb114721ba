package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureHeader is the header Sentry sets on webhook deliveries: the
// hex HMAC-SHA256 of the raw request body under the shared secret.
const SignatureHeader = "Sentry-Hook-Signature"

// VerifySignature checks a webhook body against its claimed signature.
// An empty secret fails closed. The comparison is constant-time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SentryAlert is the slice of a Sentry webhook payload we relay.
type SentryAlert struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ParseSentryAlert decodes a webhook body, substituting placeholders
// for absent fields so the relayed message is never blank.
func ParseSentryAlert(body []byte) (SentryAlert, error) {
	var alert SentryAlert
	if len(body) > 0 {
		if err := json.Unmarshal(body, &alert); err != nil {
			return SentryAlert{}, fmt.Errorf("notify: decoding alert payload: %w", err)
		}
	}
	if alert.Title == "" {
		alert.Title = "Unknown error"
	}
	if alert.URL == "" {
		alert.URL = "no link"
	}
	return alert, nil
}

// Message renders the alert as the Telegram notification text.
func (a SentryAlert) Message() string {
	return fmt.Sprintf("🚨 Sentry alert!\n🔹 %s\n🔗 %s", a.Title, a.URL)
}
