package convsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Convsync-Signature"

// maxWebhookBody bounds the request body read by WebhookHandler.
const maxWebhookBody = 1 << 20

// WebhookPayload is a server push delivered over HTTP instead of a realtime
// connection. Event is one of "message.new" or "conversation.status".
type WebhookPayload struct {
	Event     string       `json:"event"`
	Timestamp int64        `json:"timestamp"`
	Message   *Message     `json:"message,omitempty"`
	Status    *StatusEvent `json:"status,omitempty"`
}

// VerifyWebhookSignature reports whether signature is the HMAC-SHA256 of body
// under secret. The comparison is constant-time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and validates a push body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "invalid JSON in webhook body")
	}
	switch p.Event {
	case eventMessageNew:
		if p.Message == nil || p.Message.ID == "" || p.Message.ConversationID == "" {
			return nil, errors.New("message.new push without message id or conversation id")
		}
	case eventConversationStatus:
		if p.Status == nil || p.Status.ConversationID == "" || p.Status.Status == "" {
			return nil, errors.New("conversation.status push without conversation id or status")
		}
	case "":
		return nil, errors.New("missing event field in webhook payload")
	default:
		return nil, errors.Errorf("unsupported webhook event %q", p.Event)
	}
	return &p, nil
}

// WebhookHandler accepts signed pushes and publishes them into a sink, usually
// the Hub the Engine is subscribed to.
type WebhookHandler struct {
	secret string
	sink   EventSink
}

// NewWebhookHandler creates a handler verifying pushes with secret.
func NewWebhookHandler(secret string, sink EventSink) (*WebhookHandler, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if sink == nil {
		return nil, errors.New("webhook sink is required")
	}
	return &WebhookHandler{secret: secret, sink: sink}, nil
}

// Handle verifies, parses and publishes one push. It returns the status code
// and the JSON body to answer with.
func (h *WebhookHandler) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}
	p, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	switch p.Event {
	case eventMessageNew:
		jww.TRACE.Printf("[convsync webhook] message %s for %s", p.Message.ID, p.Message.ConversationID)
		h.sink.Publish(*p.Message)
	case eventConversationStatus:
		jww.TRACE.Printf("[convsync webhook] %s is now %s", p.Status.ConversationID, p.Status.Status)
		h.sink.PublishStatus(*p.Status)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (h *WebhookHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	code, data := h.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, code, data)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		jww.WARN.Printf("[convsync webhook] write response: %v", err)
	}
}
