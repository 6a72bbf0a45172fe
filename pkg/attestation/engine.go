package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ratelimit"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const namespace = "attestation"

// ActionAttest is the rate-limited action name for RecordAttestation.
const ActionAttest = "attest"

// Config holds the engine's administrative settings.
type Config struct {
	Admin               string
	Verifiers           []string
	DecayWindow         time.Duration
	DecayStep           int
	ComplianceThreshold int
	// MaxBatchSize caps RecordBatch. Zero selects DefaultMaxBatchSize.
	MaxBatchSize int
	// Rules maps attestation types to CEL expressions. Nil selects
	// DefaultRules; an empty map disables rule evaluation.
	Rules map[Type]string
}

type commitmentStats struct {
	fees             int64
	reportedDrawdown int64
	lastAt           time.Time
}

// Engine records attestations and scores commitments.
type Engine struct {
	admin     string
	threshold int
	scorer    Scorer
	reader    CommitmentReader
	store     Store
	auth      Authorizer
	limiter   *ratelimit.Limiter
	emitter   events.Emitter
	telemetry *observability.Provider
	clock     func() time.Time
	maxBatch  int
	validator *payloadValidator
	rules     *ruleSet
	guard     *safety.Guard
	logger    *slog.Logger

	mu          sync.RWMutex
	verifiers   map[string]bool
	perCommit   map[string]*commitmentStats
	total       uint64
	violations  uint64
	fees        int64
	perVerifier map[string]uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore overrides the attestation store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithAuthorizer sets the per-call verifier check.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithRateLimiter applies l to RecordAttestation under ActionAttest.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithEmitter sets the event sink.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithTelemetry records a span and RED metrics for every recording call.
func WithTelemetry(t *observability.Provider) Option {
	return func(e *Engine) { e.telemetry = t }
}

// NewEngine creates an engine reading commitments through reader.
func NewEngine(cfg Config, reader CommitmentReader, opts ...Option) (*Engine, error) {
	if reader == nil {
		return nil, fmt.Errorf("attestation engine requires a commitment reader")
	}
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules
	}
	rs, err := newRuleSet(rules)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		admin:       cfg.Admin,
		threshold:   cfg.ComplianceThreshold,
		scorer:      Scorer{Window: cfg.DecayWindow, Step: cfg.DecayStep},
		reader:      reader,
		store:       NewMemoryStore(),
		auth:        SetOnly{},
		emitter:     events.Nop{},
		clock:       time.Now,
		maxBatch:    cfg.MaxBatchSize,
		validator:   validator,
		rules:       rs,
		guard:       safety.NewGuard(namespace),
		logger:      slog.Default().With("component", "attestation"),
		verifiers:   make(map[string]bool),
		perCommit:   make(map[string]*commitmentStats),
		perVerifier: make(map[string]uint64),
	}
	if e.maxBatch <= 0 {
		e.maxBatch = DefaultMaxBatchSize
	}
	for _, v := range cfg.Verifiers {
		e.verifiers[v] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) track(ctx context.Context, op, commitmentID, verifier string) (context.Context, func(error)) {
	if e.telemetry == nil {
		return ctx, func(error) {}
	}
	return e.telemetry.TrackOperation(ctx, op, observability.CommitmentOperation(commitmentID, verifier)...)
}

func (e *Engine) emit(ctx context.Context, t events.Type, subject, actor string, data map[string]any) {
	ev := events.Event{Type: t, Subject: subject, Actor: actor, Timestamp: e.clock(), Data: data}
	if err := e.emitter.Emit(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "event emission failed", "type", t, "error", err)
	}
}

// IsVerifier reports whether addr is in the authorized verifier set.
func (e *Engine) IsVerifier(addr string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.verifiers[addr]
}

// Verifiers returns the authorized set, sorted.
func (e *Engine) Verifiers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.verifiers))
	for v := range e.verifiers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AddVerifier authorizes addr. Admin only.
func (e *Engine) AddVerifier(ctx context.Context, caller, addr string) error {
	return e.setVerifier(ctx, caller, addr, true)
}

// RemoveVerifier revokes addr. Admin only.
func (e *Engine) RemoveVerifier(ctx context.Context, caller, addr string) error {
	return e.setVerifier(ctx, caller, addr, false)
}

func (e *Engine) setVerifier(ctx context.Context, caller, addr string, enabled bool) error {
	if caller != e.admin {
		e.logger.WarnContext(ctx, "unauthorized verifier update", "caller", caller)
		return protoerr.New(protoerr.KindUnauthorized, namespace, "verifier updates require the administrator")
	}
	if err := safety.ValidateAddress("verifier", addr); err != nil {
		return err
	}
	e.mu.Lock()
	if enabled {
		e.verifiers[addr] = true
	} else {
		delete(e.verifiers, addr)
	}
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "verifier updated", "verifier", addr, "enabled", enabled)
	e.emit(ctx, events.VerifierUpdated, addr, caller, map[string]any{"enabled": enabled})
	return nil
}

func (e *Engine) view(ctx context.Context, commitmentID string) (*CommitmentView, error) {
	if err := safety.ValidateNonEmpty("commitment_id", commitmentID); err != nil {
		return nil, err
	}
	c, err := e.reader.AttestationView(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "commitment %s", commitmentID)
	}
	return c, nil
}

// RecordAttestation appends an attestation from verifier. Authorization is
// checked before any state is read, so a rejected call leaves the score and
// statistics untouched.
func (e *Engine) RecordAttestation(ctx context.Context, commitmentID, verifier string, t Type, payload map[string]string, compliant bool) (a *Attestation, err error) {
	ctx, done := e.track(ctx, "record_attestation", commitmentID, verifier)
	defer func() { done(err) }()

	release, err := e.guard.Enter()
	if err != nil {
		e.logger.WarnContext(ctx, "reentrant attestation rejected", "verifier", verifier)
		return nil, err
	}
	defer release()

	if err := e.admit(ctx, verifier, commitmentID); err != nil {
		return nil, err
	}
	p, err := e.prepare(ctx, commitmentID, verifier, t, payload, compliant)
	if err != nil {
		return nil, err
	}
	recorded, err := e.commit(ctx, []*pending{p})
	if err != nil {
		return nil, err
	}
	return recorded[0], nil
}

// admit checks that verifier may record at all. It runs once per call.
func (e *Engine) admit(ctx context.Context, verifier, commitmentID string) error {
	if !e.IsVerifier(verifier) {
		e.logger.WarnContext(ctx, "attestation from unknown verifier", "verifier", verifier, "commitment_id", commitmentID)
		return protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s is not an authorized verifier", verifier)
	}
	if err := e.auth.Authorize(ctx, verifier); err != nil {
		e.logger.WarnContext(ctx, "verifier authorization failed", "verifier", verifier, "error", err)
		return err
	}
	if e.limiter != nil {
		if err := e.limiter.Check(ctx, verifier, ActionAttest); err != nil {
			return err
		}
	}
	return nil
}

// pending is a validated attestation that has not been stored yet.
type pending struct {
	a        *Attestation
	fee      int64
	drawdown int64
}

// prepare validates one attestation and resolves its compliance flag. It
// reads state but changes nothing.
func (e *Engine) prepare(ctx context.Context, commitmentID, verifier string, t Type, payload map[string]string, compliant bool) (*pending, error) {
	if err := safety.ValidateNonEmpty("commitment_id", commitmentID); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]string{}
	}
	if err := e.validator.Validate(t, payload); err != nil {
		return nil, err
	}
	c, err := e.view(ctx, commitmentID)
	if err != nil {
		return nil, err
	}

	if compliant {
		loss := int64(0)
		if c.Principal > 0 {
			if loss, err = safety.LossPercent(c.Principal, c.CurrentValue); err != nil {
				return nil, err
			}
		}
		ruled, ok, err := e.rules.Evaluate(t, payload, c, loss)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.KindValidation, namespace, err, "compliance rule failed")
		}
		if ok {
			compliant = ruled
		}
	}

	p := &pending{a: &Attestation{
		CommitmentID: commitmentID,
		Verifier:     verifier,
		Type:         t,
		Payload:      payload,
		Compliant:    compliant,
		Outcome:      outcome(t, payload, compliant),
	}}
	switch t {
	case TypeFeeGeneration:
		p.fee, _ = strconv.ParseInt(payload[KeyFeeAmount], 10, 64)
	case TypeDrawdown:
		p.drawdown, _ = strconv.ParseInt(payload[KeyDrawdownPercent], 10, 64)
	}
	return p, nil
}

// commit stores items in order and folds them into the statistics. Fee
// totals for every item are checked before anything is stored. A store
// failure stops the run; items stored before it stay recorded and are
// returned with the error.
func (e *Engine) commit(ctx context.Context, items []*pending) ([]*Attestation, error) {
	now := e.clock()
	e.mu.Lock()
	fees := make(map[string]int64)
	total := e.fees
	for _, p := range items {
		if p.fee <= 0 {
			continue
		}
		id := p.a.CommitmentID
		held, seen := fees[id]
		if !seen {
			if s := e.perCommit[id]; s != nil {
				held = s.fees
			}
		}
		var err error
		if fees[id], err = safety.Add(held, p.fee); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if total, err = safety.Add(total, p.fee); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}

	var (
		recorded []*Attestation
		failure  error
	)
	for _, p := range items {
		a := p.a
		a.RecordedAt = now
		seq, err := e.store.Append(ctx, a)
		if err != nil {
			failure = fmt.Errorf("append attestation: %w", err)
			break
		}
		a.Seq = seq
		stats := e.perCommit[a.CommitmentID]
		if stats == nil {
			stats = &commitmentStats{}
			e.perCommit[a.CommitmentID] = stats
		}
		stats.fees += p.fee
		stats.lastAt = now
		if a.Type == TypeDrawdown {
			stats.reportedDrawdown = p.drawdown
		}
		e.fees += p.fee
		e.total++
		e.perVerifier[a.Verifier]++
		if a.Type == TypeViolation || !a.Compliant {
			e.violations++
		}
		recorded = append(recorded, a)
	}
	e.mu.Unlock()

	for _, a := range recorded {
		e.logger.InfoContext(ctx, "attestation recorded",
			"commitment_id", a.CommitmentID, "verifier", a.Verifier, "type", a.Type, "compliant", a.Compliant, "seq", a.Seq)
		e.emit(ctx, events.AttestationRecorded, a.CommitmentID, a.Verifier, map[string]any{
			"type":      string(a.Type),
			"compliant": a.Compliant,
			"outcome":   a.Outcome,
			"seq":       a.Seq,
		})
	}
	return recorded, failure
}

// ComplianceScore returns the commitment's current 0-100 score.
func (e *Engine) ComplianceScore(ctx context.Context, commitmentID string) (int, error) {
	c, err := e.view(ctx, commitmentID)
	if err != nil {
		return 0, err
	}
	return e.score(ctx, c)
}

func (e *Engine) score(ctx context.Context, c *CommitmentView) (int, error) {
	recent, err := e.store.Recent(ctx, c.ID, scoreWindow)
	if err != nil {
		return 0, fmt.Errorf("recent attestations: %w", err)
	}
	return e.scorer.Score(recent, c.CreatedAt, e.clock()), nil
}

// Attestations lists a commitment's attestations in record order.
func (e *Engine) Attestations(ctx context.Context, commitmentID string, page safety.Page) ([]Attestation, error) {
	if _, err := e.view(ctx, commitmentID); err != nil {
		return nil, err
	}
	return e.store.List(ctx, commitmentID, page)
}

// AttestationCount returns how many attestations a commitment has.
func (e *Engine) AttestationCount(ctx context.Context, commitmentID string) (int, error) {
	return e.store.Count(ctx, commitmentID)
}

// HealthMetrics summarizes a commitment's value and attested health.
func (e *Engine) HealthMetrics(ctx context.Context, commitmentID string) (*HealthMetrics, error) {
	c, err := e.view(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	score, err := e.score(ctx, c)
	if err != nil {
		return nil, err
	}
	count, err := e.store.Count(ctx, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("count attestations: %w", err)
	}
	m := &HealthMetrics{
		CommitmentID:     c.ID,
		CurrentValue:     c.CurrentValue,
		InitialValue:     c.Principal,
		AttestationCount: count,
		ComplianceScore:  score,
	}
	if c.Principal > 0 {
		if m.DrawdownPercent, err = safety.LossPercent(c.Principal, c.CurrentValue); err != nil {
			return nil, err
		}
		if m.DrawdownPercent < 0 {
			m.DrawdownPercent = 0
		}
	}
	e.mu.RLock()
	if s := e.perCommit[commitmentID]; s != nil {
		m.FeesGenerated = s.fees
		m.ReportedDrawdown = s.reportedDrawdown
		m.LastAttestation = s.lastAt
	}
	e.mu.RUnlock()
	return m, nil
}

// VerifyCompliance checks loss, score and fee thresholds together.
func (e *Engine) VerifyCompliance(ctx context.Context, commitmentID string) (*ComplianceReport, error) {
	c, err := e.view(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	m, err := e.HealthMetrics(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	r := &ComplianceReport{
		Score:   m.ComplianceScore,
		LossOK:  m.DrawdownPercent <= int64(c.MaxLossPercent),
		ScoreOK: m.ComplianceScore >= e.threshold,
		FeesOK:  c.MinFeeThreshold <= 0 || m.FeesGenerated >= c.MinFeeThreshold,
	}
	r.Compliant = r.LossOK && r.ScoreOK && r.FeesOK
	return r, nil
}

// Statistics returns protocol-wide counters.
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	per := make(map[string]uint64, len(e.perVerifier))
	for k, v := range e.perVerifier {
		per[k] = v
	}
	return Statistics{
		TotalAttestations: e.total,
		TotalViolations:   e.violations,
		TotalFees:         e.fees,
		PerVerifier:       per,
	}
}

// VerifierStatistics returns how many attestations verifier has recorded.
func (e *Engine) VerifierStatistics(verifier string) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.perVerifier[verifier]
}
