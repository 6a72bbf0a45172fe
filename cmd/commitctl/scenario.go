package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/attestation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/commitment"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// Scenario is a scripted sequence of protocol calls.
type Scenario struct {
	Name    string    `yaml:"name"`
	Start   time.Time `yaml:"start"`
	Funding []Funding `yaml:"funding"`
	Steps   []Step    `yaml:"steps"`
}

// Funding credits a ledger account before the first step.
type Funding struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  int64  `yaml:"amount"`
}

// Step is one call. Fields are interpreted per Op.
type Step struct {
	Op          string                      `yaml:"op"`
	Caller      string                      `yaml:"caller"`
	Commitment  string                      `yaml:"commitment"` // id or alias
	As          string                      `yaml:"as"`         // alias for a created commitment
	Request     *commitment.CreateRequest   `yaml:"request"`
	Pool        string                      `yaml:"pool"`
	Amount      int64                       `yaml:"amount"`
	Capacity    int64                       `yaml:"capacity"`
	APYBps      uint32                      `yaml:"apy_bps"`
	Risk        string                      `yaml:"risk"`
	Asset       string                      `yaml:"asset"`
	Account     string                      `yaml:"account"`
	To          string                      `yaml:"to"`
	Enabled     bool                        `yaml:"enabled"`
	Duration    time.Duration               `yaml:"duration"`
	Days        int                         `yaml:"days"`
	Type        string                      `yaml:"type"`
	Payload     map[string]string           `yaml:"payload"`
	Compliant   bool                        `yaml:"compliant"`
	Token       bool                        `yaml:"token"` // attach an issued verifier token
	Patch       *commitment.CommitmentPatch `yaml:"patch"`
	Items       []attestation.BatchItem     `yaml:"items"`
	Mode        string                      `yaml:"mode"`         // attest_batch: atomic or best_effort
	ExpectError string                      `yaml:"expect_error"` // error kind, e.g. CAPACITY_EXCEEDED
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index  int            `json:"step"`
	Op     string         `json:"op"`
	OK     bool           `json:"ok"`
	Code   string         `json:"code,omitempty"`
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// Passed reports whether the step behaved as scripted.
func (r StepResult) Passed(expect string) bool {
	if expect == "" {
		return r.OK
	}
	return !r.OK && strings.EqualFold(r.Code, expect)
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %q: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %q: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", path)
	}
	if s.Start.IsZero() {
		s.Start = time.Now().UTC().Truncate(time.Second)
	}
	return &s, nil
}

type runner struct {
	p       *protocol
	aliases map[string]string
}

func (r *runner) id(ref string) string {
	if id, ok := r.aliases[ref]; ok {
		return id
	}
	return ref
}

func (r *runner) fund(f Funding) error {
	return r.p.ledger.Fund(f.Account, f.Asset, f.Amount)
}

// exec runs one step and reports its result.
func (r *runner) exec(ctx context.Context, i int, st Step) StepResult {
	res := StepResult{Index: i + 1, Op: st.Op}
	out, err := r.dispatch(ctx, st)
	if err != nil {
		res.Error = err.Error()
		res.Code = string(protoerr.KindOf(err))
		if res.Code == "" {
			res.Code = "INTERNAL"
		}
		return res
	}
	res.OK = true
	res.Result = out
	return res
}

// verifierContext attaches an issued token for st.Caller when st asks for one.
func (r *runner) verifierContext(ctx context.Context, st Step) (context.Context, error) {
	if !st.Token {
		return ctx, nil
	}
	if r.p.auth == nil {
		return nil, protoerr.Validation("cli", "token", "attestation.jwt_secret is not configured")
	}
	tok, err := r.p.auth.Issue(st.Caller, time.Hour)
	if err != nil {
		return nil, err
	}
	return attestation.WithToken(ctx, tok), nil
}

func (r *runner) dispatch(ctx context.Context, st Step) (map[string]any, error) {
	p := r.p
	id := r.id(st.Commitment)
	switch st.Op {
	case "fund":
		return nil, r.fund(Funding{Account: st.Account, Asset: st.Asset, Amount: st.Amount})

	case "advance":
		d := st.Duration + time.Duration(st.Days)*24*time.Hour
		if d <= 0 {
			return nil, protoerr.Validation("cli", "duration", "advance needs a positive duration or days")
		}
		p.clock.Advance(d)
		return map[string]any{"now": p.clock.Now()}, nil

	case "register_pool":
		err := p.pools.RegisterPool(ctx, st.Caller, st.Pool, st.Capacity, st.APYBps, st.Risk)
		return nil, err

	case "pool_status":
		return nil, p.pools.UpdatePoolStatus(ctx, st.Caller, st.Pool, st.Enabled)

	case "pool":
		pool, err := p.pools.GetPool(ctx, st.Pool)
		if err != nil {
			return nil, err
		}
		return map[string]any{"capacity": pool.Capacity, "total_allocated": pool.TotalAllocated, "active": pool.Active}, nil

	case "create":
		if st.Request == nil {
			return nil, protoerr.Validation("cli", "request", "create needs a request")
		}
		newID, err := p.core.CreateCommitment(ctx, *st.Request)
		if err != nil {
			return nil, err
		}
		if st.As != "" {
			r.aliases[st.As] = newID
		}
		return map[string]any{"id": newID}, nil

	case "allocate":
		return nil, p.core.Allocate(ctx, st.Caller, id, st.Pool, st.Amount)

	case "allocate_strategy":
		sum, err := p.core.AllocateByStrategy(ctx, st.Caller, id, st.Amount)
		if err != nil {
			return nil, err
		}
		return summaryResult(sum), nil

	case "rebalance":
		sum, err := p.core.Rebalance(ctx, st.Caller, id)
		if err != nil {
			return nil, err
		}
		return summaryResult(sum), nil

	case "update_value":
		return nil, p.core.UpdateValue(ctx, st.Caller, id, st.Amount)

	case "adjust_value":
		return nil, p.core.AdjustValue(ctx, st.Caller, id, st.Amount)

	case "settle":
		payout, err := p.core.Settle(ctx, id)
		return map[string]any{"payout": payout}, err

	case "early_exit":
		payout, err := p.core.EarlyExit(ctx, st.Caller, id)
		return map[string]any{"payout": payout}, err

	case "get":
		c, err := p.core.GetCommitment(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status": string(c.Status), "current_value": c.CurrentValue,
			"allocated": c.Allocated, "matures_at": c.MaturesAt,
		}, nil

	case "violations":
		report, err := p.core.ViolationDetails(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"has_violations": report.HasViolations, "loss_percent": report.LossPercent,
			"loss_violated": report.LossViolated, "duration_violated": report.DurationViolated,
		}, nil

	case "list":
		ids, err := p.core.ListForOwner(ctx, st.Account, safety.Page{})
		return map[string]any{"ids": ids}, err

	case "attest":
		ctx, err := r.verifierContext(ctx, st)
		if err != nil {
			return nil, err
		}
		a, err := p.engine.RecordAttestation(ctx, id, st.Caller, attestation.Type(st.Type), st.Payload, st.Compliant)
		if err != nil {
			return nil, err
		}
		return map[string]any{"seq": a.Seq, "compliant": a.Compliant, "outcome": a.Outcome}, nil

	case "attest_batch":
		ctx, err := r.verifierContext(ctx, st)
		if err != nil {
			return nil, err
		}
		items := make([]attestation.BatchItem, len(st.Items))
		for i, item := range st.Items {
			item.CommitmentID = r.id(item.CommitmentID)
			items[i] = item
		}
		res, err := p.engine.RecordBatch(ctx, st.Caller, items, attestation.BatchMode(st.Mode))
		if err != nil {
			return nil, err
		}
		rejected := make([]int, len(res.Errors))
		for i, e := range res.Errors {
			rejected[i] = e.Index
		}
		return map[string]any{"recorded": len(res.Recorded), "rejected": rejected}, nil

	case "add_verifier":
		return nil, p.engine.AddVerifier(ctx, st.Caller, st.Account)

	case "score":
		score, err := p.engine.ComplianceScore(ctx, id)
		return map[string]any{"score": score}, err

	case "health":
		m, err := p.engine.HealthMetrics(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"score": m.ComplianceScore, "drawdown_percent": m.DrawdownPercent,
			"fees": m.FeesGenerated, "attestations": m.AttestationCount,
		}, nil

	case "verify_compliance":
		rep, err := p.engine.VerifyCompliance(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"compliant": rep.Compliant, "score": rep.Score}, nil

	case "emergency_mode":
		return nil, p.core.SetEmergencyMode(ctx, st.Caller, st.Enabled)

	case "emergency_withdraw":
		return nil, p.core.EmergencyWithdraw(ctx, st.Caller, st.Asset, st.To, st.Amount)

	case "emergency_settle":
		payout, err := p.core.EmergencySettle(ctx, st.Caller, id)
		return map[string]any{"payout": payout}, err

	case "emergency_update":
		if st.Patch == nil {
			return nil, protoerr.Validation("cli", "patch", "emergency_update needs a patch")
		}
		return nil, p.core.EmergencyUpdateCommitment(ctx, st.Caller, id, *st.Patch)

	case "balance":
		b, err := p.ledger.Balance(ctx, st.Account, st.Asset)
		return map[string]any{"balance": b}, err

	default:
		return nil, protoerr.Validation("cli", "op", fmt.Sprintf("unknown op %q", st.Op))
	}
}

func summaryResult(sum *allocation.Summary) map[string]any {
	pools := make(map[string]any, len(sum.Entries))
	for _, e := range sum.Entries {
		pools[e.PoolID] = e.Amount
	}
	return map[string]any{"strategy": string(sum.Strategy), "total": sum.Total, "pools": pools}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
