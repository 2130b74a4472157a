// Package canon enforces the inviolable rules. An intent whose description,
// action, or source matches any canon pattern is refused no matter who
// submitted it or how trusted they are. The gate fails closed: an evaluation
// error counts as a violation.
package canon

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"
)

// Patterns are the fixed inviolable identifiers. Matching is substring over
// normalized text, so spaced or cased variants still hit.
var Patterns = []string{
	"delete_all",
	"self_destruct",
	"wipe_memory",
	"hack_economy",
	"set_budget_infinite",
	"set_budget_negative",
	"override_safety",
}

// budgetRule refuses budget-manipulation phrasing that the identifier
// patterns alone would miss.
const budgetRule = `(description.contains("infinite") || description.contains("unlimited")) && description.contains("budget")`

// Violation names the rule that fired and where.
type Violation struct {
	Pattern string `json:"pattern"`
	Field   string `json:"field,omitempty"`
}

// Reason renders the refusal reason recorded in explanations and audit.
func (v *Violation) Reason() string {
	return "canon_violation:" + v.Pattern
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// Gate holds the compiled rule programs. Rules compile once at construction;
// the cache keeps recompiles away from any rules added later.
type Gate struct {
	env    *cel.Env
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
	cache map[string]cel.Program
}

// NewGate compiles the canon into CEL programs. Extra patterns from a policy
// profile join the fixed set.
func NewGate(logger *slog.Logger, extraPatterns ...string) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("description", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("canon: create cel environment: %w", err)
	}

	g := &Gate{
		env:    env,
		logger: logger,
		cache:  make(map[string]cel.Program),
	}

	patterns := append(append([]string{}, Patterns...), extraPatterns...)
	for _, p := range patterns {
		p = Normalize(p)
		expr := fmt.Sprintf(
			"description.contains(%q) || action.contains(%q) || source.contains(%q)", p, p, p)
		if err := g.addRule(p, expr); err != nil {
			return nil, err
		}
	}
	if err := g.addRule("budget_manipulation", budgetRule); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) addRule(name, expr string) error {
	prg, err := g.compile(expr)
	if err != nil {
		return fmt.Errorf("canon: rule %s: %w", name, err)
	}
	g.mu.Lock()
	g.rules = append(g.rules, compiledRule{name: name, prg: prg})
	g.mu.Unlock()
	return nil
}

func (g *Gate) compile(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()
	return prg, nil
}

// Check screens the normalized triple against every rule. A nil return means
// clean. Evaluation errors fail closed and surface as a violation.
func (g *Gate) Check(description, action, source string) *Violation {
	input := map[string]any{
		"description": Normalize(description),
		"action":      Normalize(action),
		"source":      Normalize(source),
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, rule := range rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			g.logger.Error("canon rule evaluation failed",
				slog.String("rule", rule.name),
				slog.Any("error", err),
			)
			return &Violation{Pattern: rule.name, Field: "evaluation"}
		}
		matched, ok := out.Value().(bool)
		if !ok {
			g.logger.Error("canon rule returned non-bool", slog.String("rule", rule.name))
			return &Violation{Pattern: rule.name, Field: "evaluation"}
		}
		if matched {
			return &Violation{Pattern: rule.name}
		}
	}
	return nil
}

// Normalize folds text for matching: NFKC compatibility form, lower case,
// separator runs collapsed to single underscores.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			sep = true
		default:
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
