package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeResolver struct {
	mu       sync.Mutex
	sessions []string
	texts    []string
	reply    string
	err      error
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, sessionID, text string) (string, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, sessionID)
	f.texts = append(f.texts, text)
	err := f.err
	reply := f.reply
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return reply, nil
}

type fakeSender struct {
	mu         sync.Mutex
	recipients []string
	bodies     []string
	err        error
}

func (f *fakeSender) Send(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recipients = append(f.recipients, recipient)
	f.bodies = append(f.bodies, text)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	err     error
}

func (f *fakeAudit) Append(ctx context.Context, entry domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type memDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memDedupe) Seen(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.seen[id], nil
}

func (m *memDedupe) Mark(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	m.seen[id] = true
	return nil
}

func (m *memDedupe) Close() error { return nil }

func testMessage() domain.InboundMessage {
	return domain.InboundMessage{
		MessageID:  "wamid.1",
		Sender:     "+15550001111",
		Text:       "hello",
		ReceivedAt: time.Now(),
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	sender := &fakeSender{}
	audit := &fakeAudit{}

	o := NewOrchestrator(Config{
		Resolver: resolver,
		Sender:   sender,
		Audit:    audit,
		Logger:   testLogger(),
	})

	res := o.Process(context.Background(), testMessage())

	if res.Outcome != domain.OutcomeRelayed {
		t.Fatalf("outcome = %q: %v", res.Outcome, res.Err)
	}
	if res.Reply != "Hi there!" {
		t.Errorf("reply = %q", res.Reply)
	}

	if len(resolver.sessions) != 1 || resolver.sessions[0] != "+15550001111" {
		t.Errorf("resolver sessions = %v, want the sender as session id", resolver.sessions)
	}
	if resolver.texts[0] != "hello" {
		t.Errorf("resolver text = %q", resolver.texts[0])
	}
	if len(sender.recipients) != 1 || sender.recipients[0] != "+15550001111" {
		t.Errorf("sender recipients = %v", sender.recipients)
	}
	if sender.bodies[0] != "Hi there!" {
		t.Errorf("sent body = %q", sender.bodies[0])
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d", len(audit.entries))
	}
	e := audit.entries[0]
	if e.Sender != "+15550001111" || e.UserMessage != "hello" || e.BotReply != "Hi there!" {
		t.Errorf("audit entry = %+v", e)
	}
}

func TestProcess_ResolveFailure(t *testing.T) {
	resolver := &fakeResolver{err: &domain.StageError{
		Stage: domain.StageIntent, Err: errors.New("backend down"),
	}}
	sender := &fakeSender{}
	audit := &fakeAudit{}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Audit: audit, Logger: testLogger(),
	})

	res := o.Process(context.Background(), testMessage())

	if res.Outcome != domain.OutcomeFailed || res.Stage != domain.StageIntent {
		t.Fatalf("result = %+v, want failed at intent", res)
	}
	if len(sender.recipients) != 0 {
		t.Error("delivery must not run after a resolve failure")
	}
	if len(audit.entries) != 0 {
		t.Error("audit must not run after a resolve failure")
	}
}

func TestProcess_CredentialFailureKeepsStage(t *testing.T) {
	resolver := &fakeResolver{err: &domain.StageError{
		Stage: domain.StageCredential, Err: errors.New("exchange refused"),
	}}
	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: &fakeSender{}, Logger: testLogger(),
	})

	res := o.Process(context.Background(), testMessage())
	if res.Stage != domain.StageCredential {
		t.Fatalf("stage = %q, want credential", res.Stage)
	}
}

func TestProcess_DeliveryFailureSkipsAudit(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	sender := &fakeSender{err: &domain.StageError{
		Stage: domain.StageDelivery, Err: errors.New("send refused"),
	}}
	audit := &fakeAudit{}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Audit: audit, Logger: testLogger(),
	})

	res := o.Process(context.Background(), testMessage())

	if res.Outcome != domain.OutcomeFailed || res.Stage != domain.StageDelivery {
		t.Fatalf("result = %+v, want failed at delivery", res)
	}
	if len(audit.entries) != 0 {
		t.Error("no audit row may exist for an undelivered reply")
	}
}

func TestProcess_AuditFailureIsNonFatal(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	sender := &fakeSender{}
	audit := &fakeAudit{err: errors.New("sheets down")}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Audit: audit, Logger: testLogger(),
	})

	res := o.Process(context.Background(), testMessage())

	if res.Outcome != domain.OutcomeRelayed {
		t.Fatalf("outcome = %q, audit failure must not fail the relay", res.Outcome)
	}
	if len(sender.recipients) != 1 {
		t.Error("reply should still have been delivered")
	}
}

func TestProcess_DuplicateSkipped(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	sender := &fakeSender{}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Dedupe: &memDedupe{}, Logger: testLogger(),
	})

	first := o.Process(context.Background(), testMessage())
	second := o.Process(context.Background(), testMessage())

	if first.Outcome != domain.OutcomeRelayed {
		t.Fatalf("first outcome = %q", first.Outcome)
	}
	if second.Outcome != domain.OutcomeDuplicate {
		t.Fatalf("second outcome = %q, want duplicate", second.Outcome)
	}
	if len(resolver.sessions) != 1 {
		t.Errorf("resolver ran %d times, want 1", len(resolver.sessions))
	}
	if len(sender.recipients) != 1 {
		t.Errorf("sender ran %d times, want 1", len(sender.recipients))
	}
}

func TestProcess_FailedEventRetryIsProcessed(t *testing.T) {
	resolver := &fakeResolver{err: &domain.StageError{
		Stage: domain.StageIntent, Err: errors.New("backend down"),
	}}
	sender := &fakeSender{}
	dedupe := &memDedupe{}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Dedupe: dedupe, Logger: testLogger(),
	})

	first := o.Process(context.Background(), testMessage())
	if first.Outcome != domain.OutcomeFailed {
		t.Fatalf("first outcome = %q, want failed", first.Outcome)
	}

	// The provider retries the same message id once the backend is back.
	// The failed attempt must not have recorded the id.
	resolver.mu.Lock()
	resolver.err = nil
	resolver.reply = "Hi there!"
	resolver.mu.Unlock()

	second := o.Process(context.Background(), testMessage())
	if second.Outcome != domain.OutcomeRelayed {
		t.Fatalf("retry outcome = %q, want relayed", second.Outcome)
	}
	if len(sender.recipients) != 1 {
		t.Fatalf("deliveries = %d, the retry should reach the user", len(sender.recipients))
	}

	// A further retry after the successful relay is a real duplicate.
	third := o.Process(context.Background(), testMessage())
	if third.Outcome != domain.OutcomeDuplicate {
		t.Fatalf("post-success retry outcome = %q, want duplicate", third.Outcome)
	}
	if len(sender.recipients) != 1 {
		t.Errorf("deliveries = %d after duplicate, want still 1", len(sender.recipients))
	}
}

func TestProcess_FailedDeliveryLeavesNoDedupeRecord(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	sender := &fakeSender{err: &domain.StageError{
		Stage: domain.StageDelivery, Err: errors.New("send refused"),
	}}
	dedupe := &memDedupe{}

	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: sender, Dedupe: dedupe, Logger: testLogger(),
	})

	res := o.Process(context.Background(), testMessage())
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", res.Outcome)
	}

	seen, err := dedupe.Seen(context.Background(), testMessage().MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("undelivered message must not be recorded as processed")
	}
}

func TestProcess_DedupeErrorDoesNotBlock(t *testing.T) {
	resolver := &fakeResolver{reply: "Hi there!"}
	o := NewOrchestrator(Config{
		Resolver: resolver,
		Sender:   &fakeSender{},
		Dedupe:   &memDedupe{err: errors.New("db locked")},
		Logger:   testLogger(),
	})

	res := o.Process(context.Background(), testMessage())
	if res.Outcome != domain.OutcomeRelayed {
		t.Fatalf("outcome = %q, dedupe errors must not fail the relay", res.Outcome)
	}
}

func TestProcess_SerializesPerSender(t *testing.T) {
	resolver := &fakeResolver{reply: "ok", delay: 20 * time.Millisecond}
	o := NewOrchestrator(Config{
		Resolver: resolver, Sender: &fakeSender{}, Logger: testLogger(),
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := testMessage()
			msg.MessageID = "" // distinct events, same sender
			o.Process(context.Background(), msg)
		}()
	}
	wg.Wait()

	if max := resolver.maxSeen.Load(); max > 1 {
		t.Fatalf("same-sender messages overlapped: max concurrency %d", max)
	}
	if len(resolver.sessions) != 5 {
		t.Fatalf("expected 5 resolutions, got %d", len(resolver.sessions))
	}
}
