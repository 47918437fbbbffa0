// Package intent resolves user utterances against Dialogflow ES.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"relaybot/internal/domain"
)

const defaultAPIBase = "https://dialogflow.googleapis.com"

// Dialogflow implements domain.IntentResolver against the detectIntent
// endpoint. The session id carries conversational context on the backend
// side, so the same sender must always resolve under the same id.
type Dialogflow struct {
	projectID    string
	languageCode string
	apiBase      string
	tokens       domain.TokenSource
	client       *http.Client
	logger       *slog.Logger
}

type DialogflowConfig struct {
	ProjectID    string
	LanguageCode string
	APIBase      string
	Tokens       domain.TokenSource
	Client       *http.Client
	Logger       *slog.Logger
}

func NewDialogflow(cfg DialogflowConfig) *Dialogflow {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dialogflow{
		projectID:    cfg.ProjectID,
		languageCode: cfg.LanguageCode,
		apiBase:      cfg.APIBase,
		tokens:       cfg.Tokens,
		client:       client,
		logger:       cfg.Logger,
	}
}

type detectIntentRequest struct {
	QueryInput queryInput `json:"queryInput"`
}

type queryInput struct {
	Text textInput `json:"text"`
}

type textInput struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
}

type detectIntentResponse struct {
	QueryResult struct {
		FulfillmentText string `json:"fulfillmentText"`
	} `json:"queryResult"`
}

// Resolve sends one detectIntent request and returns the fulfillment
// text. It does not retry: the backend is stateful per session and a
// blind retry could resolve the same utterance twice.
func (d *Dialogflow) Resolve(ctx context.Context, sessionID, text string) (string, error) {
	tok, err := d.tokens.Token(ctx)
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageCredential, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v2/projects/%s/agent/sessions/%s:detectIntent",
		d.apiBase, url.PathEscape(d.projectID), url.PathEscape(sessionID))

	body, err := json.Marshal(detectIntentRequest{
		QueryInput: queryInput{
			Text: textInput{Text: text, LanguageCode: d.languageCode},
		},
	})
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageIntent, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageIntent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageIntent, Err: fmt.Errorf("detect intent: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &domain.StageError{
			Stage: domain.StageIntent,
			Err:   fmt.Errorf("dialogflow %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var di detectIntentResponse
	if err := json.NewDecoder(resp.Body).Decode(&di); err != nil {
		return "", &domain.StageError{Stage: domain.StageIntent, Err: fmt.Errorf("decode: %w", err)}
	}

	reply := di.QueryResult.FulfillmentText
	if reply == "" {
		return "", &domain.StageError{
			Stage: domain.StageIntent,
			Err:   fmt.Errorf("dialogflow returned no fulfillment text for session %s", sessionID),
		}
	}

	d.logger.Debug("intent resolved", "session", sessionID, "reply_len", len(reply))
	return reply, nil
}
