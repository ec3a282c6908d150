// Package errhandler maps node failures onto recovery policies: an ordered
// rule table decides between retry, skip, degrade, compensate and escalate,
// and per-resource circuit breakers shed load from failing adapters.
package errhandler

import (
	"context"
	"math"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// backoffFactor is the exponential-backoff multiplier per attempt.
const backoffFactor = 2.0

// Decision is the recovery the engine must apply to a failed node.
type Decision struct {
	// Policy selects the recovery path.
	Policy core.HandlerPolicy
	// Delay is how long to wait before the next attempt. Set only for retry.
	Delay time.Duration
	// Rule is the matched handler rule, nil when a node-local retry policy
	// decided. Degrade reads FallbackID / Default from it.
	Rule *core.HandlerRule
}

// compiledRule is a handler rule with its node pattern pre-compiled.
type compiledRule struct {
	rule    core.HandlerRule
	pattern *regexp.Regexp
	kinds   map[core.ErrorKind]struct{}
}

func (r *compiledRule) matches(nodeID string, kind core.ErrorKind) bool {
	if r.pattern != nil && !r.pattern.MatchString(nodeID) {
		return false
	}
	if len(r.kinds) == 0 {
		return true
	}
	_, ok := r.kinds[kind]
	return ok
}

// Handler resolves node failures against the workflow's handler rules.
// Rules are consulted in declaration order, first match wins; a node-local
// retry policy with remaining budget takes precedence over every rule.
type Handler struct {
	rules []compiledRule
}

// New compiles the workflow's handler rules. An empty pattern matches every
// node; an empty kind set matches every error kind.
func New(rules []core.HandlerRule) (*Handler, error) {
	h := &Handler{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		if rule.NodePattern != "" {
			pattern, err := regexp.Compile(rule.NodePattern)
			if err != nil {
				return nil, core.NewError(core.ErrKindValidation,
					"invalid node pattern %q: %v", rule.NodePattern, err)
			}
			cr.pattern = pattern
		}
		if len(rule.ErrorKinds) > 0 {
			cr.kinds = make(map[core.ErrorKind]struct{}, len(rule.ErrorKinds))
			for _, k := range rule.ErrorKinds {
				cr.kinds[k] = struct{}{}
			}
		}
		h.rules = append(h.rules, cr)
	}
	return h, nil
}

// Decide resolves what to do about a failed attempt. attempt is the 1-based
// number of the attempt that just failed, so retry_count after applying a
// retry decision equals attempt.
//
// Order: the node's own retry policy while its budget lasts, then the first
// matching rule. A matching retry rule whose budget is exhausted no longer
// applies and scanning continues, which lets a later rule catch the
// exhausted error. No match escalates.
//
// Cancellation never reaches here; the engine treats it as terminal before
// consulting the handler.
func (h *Handler) Decide(ctx context.Context, node *core.Node, err *core.Error, attempt int) Decision {
	if err == nil {
		return Decision{Policy: core.PolicyEscalate}
	}

	if node != nil && node.Retry.Retries(err, attempt) {
		return Decision{
			Policy: core.PolicyRetry,
			Delay:  Delay(node.Retry, attempt),
		}
	}

	nodeID := ""
	if node != nil {
		nodeID = node.ID
	}
	for i := range h.rules {
		cr := &h.rules[i]
		if !cr.matches(nodeID, err.Kind) {
			continue
		}
		if cr.rule.Policy == core.PolicyRetry {
			if !cr.rule.Retry.Retries(err, attempt) {
				logger.Debug(ctx, "Retry rule exhausted, consulting later rules",
					tag.Node(nodeID), tag.Attempt(attempt))
				continue
			}
			return Decision{
				Policy: core.PolicyRetry,
				Delay:  Delay(cr.rule.Retry, attempt),
				Rule:   &cr.rule,
			}
		}
		return Decision{Policy: cr.rule.Policy, Rule: &cr.rule}
	}

	return Decision{Policy: core.PolicyEscalate}
}

// Delay computes the wait before the next attempt. attempt is 1-based: the
// first retry waits the base delay under every progression.
//
// fixed: base. linear: base * attempt. exponential: base * 2^(attempt-1).
// The result is capped at MaxDelay, then jitter adds a uniform random slice
// of up to 10% on top.
func Delay(p *core.RetryPolicy, attempt int) time.Duration {
	if p == nil || p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay)
	var delay float64
	switch p.Backoff {
	case core.BackoffFixed:
		delay = base
	case core.BackoffLinear:
		delay = base * float64(attempt)
	default:
		delay = base * math.Pow(backoffFactor, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += rand.Float64() * delay * 0.1
	}
	return time.Duration(delay)
}
