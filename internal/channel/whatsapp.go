// Package channel implements the WhatsApp Cloud API endpoint: the
// subscription handshake, inbound webhook normalization, and outbound
// message delivery.
package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const defaultAPIBase = "https://graph.facebook.com/v19.0"

// Relay processes one normalized inbound message end to end.
type Relay interface {
	Process(ctx context.Context, msg domain.InboundMessage) domain.RelayResult
}

// WhatsApp owns the webhook surface of the relay. The POST handler is
// the only place that translates a RelayResult into an HTTP status.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	apiBase string
	relay   Relay
	limiter *rate.Limiter
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	WhatsApp config.WhatsAppConfig
	Relay    Relay
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWhatsApp(cfg Config) *WhatsApp {
	apiBase := cfg.WhatsApp.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	sendRate := cfg.WhatsApp.SendRate
	if sendRate <= 0 {
		sendRate = 10
	}
	burst := cfg.WhatsApp.SendBurst
	if burst < 1 {
		burst = 1
	}
	return &WhatsApp{
		cfg:     cfg.WhatsApp,
		apiBase: apiBase,
		relay:   cfg.Relay,
		limiter: rate.NewLimiter(rate.Limit(sendRate), burst),
		client:  client,
		logger:  cfg.Logger,
	}
}

// SetRelay attaches the pipeline. The channel doubles as the pipeline's
// MessageSender, so the relay is wired in after both sides exist. Must
// be called before Register.
func (w *WhatsApp) SetRelay(r Relay) { w.relay = r }

// Register mounts the webhook handlers on the given mux.
func (w *WhatsApp) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc("GET "+path, w.handleVerification)
	mux.HandleFunc("POST "+path, w.handleEvent)
}

// handleVerification answers the Meta subscription handshake: echo the
// challenge when the mode and verify token match, 403 otherwise.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("webhook verified")
		// Echoed byte-for-byte; the plain-text content type keeps the
		// reflected value from being interpreted as markup.
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, challenge)
		return
	}

	w.logger.Warn("webhook verification failed", "mode", mode)
	rw.WriteHeader(http.StatusForbidden)
}

// handleEvent processes one inbound webhook delivery. Events without a
// usable text message are acknowledged with 200 so the provider does not
// retry payloads this service intentionally skips; only fatal pipeline
// failures surface as 500.
func (w *WhatsApp) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("invalid webhook signature")
			rw.WriteHeader(http.StatusForbidden)
			return
		}
	}

	msg, ok := Normalize(body, time.Now())
	if !ok {
		// Malformed or non-text payloads are harmless; acknowledge
		// without touching the pipeline.
		w.logger.Debug("event ignored", "body_len", len(body))
		rw.WriteHeader(http.StatusOK)
		return
	}

	// Detach from the request context: a provider-side disconnect must
	// not abandon an in-flight delivery halfway.
	res := w.relay.Process(context.WithoutCancel(r.Context()), msg)
	switch res.Outcome {
	case domain.OutcomeFailed:
		// No error detail leaves the service boundary.
		rw.WriteHeader(http.StatusInternalServerError)
	default:
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature[7:]), []byte(computed))
}

// Normalize extracts the first text message from a webhook payload.
// Any missing intermediate field, or a non-text message type, reports
// ok=false rather than an error: the payload is unsupported, not broken.
func Normalize(body []byte, receivedAt time.Time) (domain.InboundMessage, bool) {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.InboundMessage{}, false
	}

	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return domain.InboundMessage{}, false
	}
	msgs := payload.Entry[0].Changes[0].Value.Messages
	if len(msgs) == 0 {
		return domain.InboundMessage{}, false
	}

	msg := msgs[0]
	if msg.Type != "text" || msg.Text == nil || msg.From == "" {
		return domain.InboundMessage{}, false
	}

	return domain.InboundMessage{
		MessageID:  msg.ID,
		Sender:     msg.From,
		Text:       msg.Text.Body,
		ReceivedAt: receivedAt,
	}, true
}

// Send delivers one text message via the Cloud API. Sends are paced by
// a token bucket so bursts stay inside the per-number throughput Meta
// enforces. No retry happens here: a blind retry risks delivering the
// same reply twice.
func (w *WhatsApp) Send(ctx context.Context, recipient, text string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return &domain.StageError{Stage: domain.StageDelivery, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/%s/messages", w.apiBase, w.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &domain.StageError{Stage: domain.StageDelivery, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &domain.StageError{Stage: domain.StageDelivery, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return &domain.StageError{Stage: domain.StageDelivery, Err: fmt.Errorf("send: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.StageError{
			Stage: domain.StageDelivery,
			Err:   fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return nil
}

// --- Webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From string  `json:"from"`
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Text *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}
