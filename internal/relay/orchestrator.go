// Package relay sequences one inbound message through the resolve,
// deliver, and audit stages and decides the terminal outcome.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// StageTimeouts sets the deadline for each remote call in the pipeline.
type StageTimeouts struct {
	Intent   time.Duration
	Delivery time.Duration
	Audit    time.Duration
}

// Orchestrator runs the relay pipeline. Stages execute strictly in
// order for one message; messages from different senders run
// concurrently, while one sender's messages are serialized so the
// intent backend sees conversation turns in order.
type Orchestrator struct {
	resolver domain.IntentResolver
	sender   domain.MessageSender
	audit    domain.AuditLogger // nil when audit logging is disabled
	dedupe   domain.DedupeStore // nil when dedupe is disabled
	timeouts StageTimeouts
	metrics  *metrics.RelayMetrics
	logger   *slog.Logger

	mu          sync.Mutex
	senderLocks map[string]*sync.Mutex
}

type Config struct {
	Resolver domain.IntentResolver
	Sender   domain.MessageSender
	Audit    domain.AuditLogger
	Dedupe   domain.DedupeStore
	Timeouts StageTimeouts
	Metrics  *metrics.RelayMetrics
	Logger   *slog.Logger
}

func NewOrchestrator(cfg Config) *Orchestrator {
	t := cfg.Timeouts
	if t.Intent <= 0 {
		t.Intent = 15 * time.Second
	}
	if t.Delivery <= 0 {
		t.Delivery = 15 * time.Second
	}
	if t.Audit <= 0 {
		t.Audit = 10 * time.Second
	}
	return &Orchestrator{
		resolver:    cfg.Resolver,
		sender:      cfg.Sender,
		audit:       cfg.Audit,
		dedupe:      cfg.Dedupe,
		timeouts:    t,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		senderLocks: make(map[string]*sync.Mutex),
	}
}

// Process relays one normalized message: resolve the reply, deliver it,
// then append the audit row. Resolution and delivery failures are fatal
// for the event; an audit failure is logged and swallowed because the
// user-visible side effect already happened.
func (o *Orchestrator) Process(ctx context.Context, msg domain.InboundMessage) domain.RelayResult {
	eventID := uuid.NewString()
	log := o.logger.With("event", eventID, "sender", msg.Sender)

	lock := o.senderLock(msg.Sender)
	lock.Lock()
	defer lock.Unlock()

	if o.dedupe != nil && msg.MessageID != "" {
		seen, err := o.dedupe.Seen(ctx, msg.MessageID)
		if err != nil {
			// Best effort: a broken dedupe store must not block the
			// relay, at-least-once is acceptable here.
			log.Warn("dedupe check failed, processing anyway", "err", err)
		} else if seen {
			log.Info("duplicate delivery skipped", "message_id", msg.MessageID)
			o.countOutcome(domain.OutcomeDuplicate)
			return domain.RelayResult{Outcome: domain.OutcomeDuplicate}
		}
	}

	reply, err := o.resolve(ctx, msg)
	if err != nil {
		return o.fail(log, err, domain.StageIntent)
	}

	if err := o.deliver(ctx, msg.Sender, reply); err != nil {
		return o.fail(log, err, domain.StageDelivery)
	}

	// Record the id only now that the reply is with the user. A failed
	// attempt leaves no record, so the provider's retry of that event
	// runs the pipeline again instead of being swallowed as a duplicate.
	if o.dedupe != nil && msg.MessageID != "" {
		if err := o.dedupe.Mark(ctx, msg.MessageID); err != nil {
			log.Warn("dedupe mark failed", "err", err)
		}
	}

	o.appendAudit(ctx, log, msg, reply)

	log.Info("message relayed", "reply_len", len(reply))
	o.countOutcome(domain.OutcomeRelayed)
	return domain.RelayResult{Outcome: domain.OutcomeRelayed, Reply: reply}
}

func (o *Orchestrator) resolve(ctx context.Context, msg domain.InboundMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Intent)
	defer cancel()

	start := time.Now()
	reply, err := o.resolver.Resolve(ctx, msg.SessionID(), msg.Text)
	o.observeLatency(domain.StageIntent, start)
	return reply, err
}

func (o *Orchestrator) deliver(ctx context.Context, recipient, reply string) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Delivery)
	defer cancel()

	start := time.Now()
	err := o.sender.Send(ctx, recipient, reply)
	o.observeLatency(domain.StageDelivery, start)
	return err
}

func (o *Orchestrator) appendAudit(ctx context.Context, log *slog.Logger, msg domain.InboundMessage, reply string) {
	if o.audit == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Audit)
	defer cancel()

	start := time.Now()
	err := o.audit.Append(ctx, domain.LogEntry{
		Timestamp:   msg.ReceivedAt,
		Sender:      msg.Sender,
		UserMessage: msg.Text,
		BotReply:    reply,
	})
	o.observeLatency(domain.StageAudit, start)

	if err != nil {
		// Never escalated: the reply is already with the user.
		log.Error("audit append failed", "err", err)
		if o.metrics != nil {
			o.metrics.AuditFailure()
		}
	}
}

// fail classifies a fatal pipeline error by stage and records it.
func (o *Orchestrator) fail(log *slog.Logger, err error, fallback domain.Stage) domain.RelayResult {
	stage := domain.FailedStage(err)
	if stage == "" {
		stage = fallback
	}

	log.Error("relay failed", "stage", stage, "err", err)
	o.countOutcome(domain.OutcomeFailed)
	if o.metrics != nil {
		o.metrics.StageFailure(string(stage))
	}

	return domain.RelayResult{Outcome: domain.OutcomeFailed, Stage: stage, Err: err}
}

func (o *Orchestrator) senderLock(sender string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.senderLocks[sender]
	if !ok {
		lock = &sync.Mutex{}
		o.senderLocks[sender] = lock
	}
	return lock
}

func (o *Orchestrator) countOutcome(outcome domain.Outcome) {
	if o.metrics != nil {
		o.metrics.Outcome(string(outcome))
	}
}

func (o *Orchestrator) observeLatency(stage domain.Stage, start time.Time) {
	if o.metrics != nil {
		o.metrics.StageLatency(string(stage), time.Since(start).Seconds())
	}
}
