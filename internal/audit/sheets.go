// Package audit appends exchange records to a Google Sheets log.
package audit

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

const defaultAPIBase = "https://sheets.googleapis.com"

// SheetsLogger implements domain.AuditLogger with an authenticated
// values:append call. Rows are append-ordered; nothing ever updates or
// deletes them.
type SheetsLogger struct {
	spreadsheetID string
	sheetRange    string
	apiBase       string
	tokens        domain.TokenSource
	client        *http.Client
	logger        *slog.Logger
}

type SheetsConfig struct {
	SpreadsheetID string
	Range         string
	APIBase       string
	Tokens        domain.TokenSource
	Client        *http.Client
	Logger        *slog.Logger
}

func NewSheetsLogger(cfg SheetsConfig) *SheetsLogger {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SheetsLogger{
		spreadsheetID: cfg.SpreadsheetID,
		sheetRange:    cfg.Range,
		apiBase:       cfg.APIBase,
		tokens:        cfg.Tokens,
		client:        client,
		logger:        cfg.Logger,
	}
}

type appendRequest struct {
	Values [][]string `json:"values"`
}

// Append writes one log row. Errors are returned to the caller, but the
// orchestrator treats them as non-fatal: a missing audit row never undoes
// a delivered reply.
func (s *SheetsLogger) Append(ctx context.Context, entry domain.LogEntry) error {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return &domain.StageError{Stage: domain.StageAudit, Err: fmt.Errorf("token: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		s.apiBase, url.PathEscape(s.spreadsheetID), url.PathEscape(s.sheetRange))

	body, err := json.Marshal(appendRequest{
		Values: [][]string{{
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.Sender,
			entry.UserMessage,
			entry.BotReply,
		}},
	})
	if err != nil {
		return &domain.StageError{Stage: domain.StageAudit, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &domain.StageError{Stage: domain.StageAudit, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := s.client.Do(req)
	if err != nil {
		return &domain.StageError{Stage: domain.StageAudit, Err: fmt.Errorf("append: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.StageError{
			Stage: domain.StageAudit,
			Err:   fmt.Errorf("sheets API %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	s.logger.Debug("audit row appended", "sender", entry.Sender)
	return nil
}
