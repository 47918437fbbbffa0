package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (domain.AccessToken, error) {
	return domain.AccessToken{Value: "sheets-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestSheetsLogger_Append(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	var gotBody appendRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"updates": map[string]any{"updatedRows": 1}})
	}))
	defer srv.Close()

	logger := NewSheetsLogger(SheetsConfig{
		SpreadsheetID: "sheet-1",
		Range:         "Logs!A:D",
		APIBase:       srv.URL,
		Tokens:        staticTokens{},
		Logger:        testLogger(),
	})

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	err := logger.Append(context.Background(), domain.LogEntry{
		Timestamp:   ts,
		Sender:      "+15550001111",
		UserMessage: "hello",
		BotReply:    "Hi there!",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if !strings.Contains(gotPath, "/v4/spreadsheets/sheet-1/values/") {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasSuffix(gotPath, ":append") {
		t.Errorf("path should end in :append, got %q", gotPath)
	}
	if !strings.Contains(gotQuery, "valueInputOption=RAW") {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer sheets-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(gotBody.Values) != 1 || len(gotBody.Values[0]) != 4 {
		t.Fatalf("row shape = %+v", gotBody.Values)
	}
	row := gotBody.Values[0]
	if row[0] != "2026-03-14T09:26:53Z" {
		t.Errorf("timestamp = %q", row[0])
	}
	if row[1] != "+15550001111" || row[2] != "hello" || row[3] != "Hi there!" {
		t.Errorf("row = %v", row)
	}
}

func TestSheetsLogger_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	logger := NewSheetsLogger(SheetsConfig{
		SpreadsheetID: "sheet-1",
		Range:         "Logs!A:D",
		APIBase:       srv.URL,
		Tokens:        staticTokens{},
		Logger:        testLogger(),
	})

	err := logger.Append(context.Background(), domain.LogEntry{Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected error for 403 from sheets")
	}
	if domain.FailedStage(err) != domain.StageAudit {
		t.Errorf("stage = %q, want audit", domain.FailedStage(err))
	}
}
