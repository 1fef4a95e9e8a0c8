package guardrails

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultStrategy applies when no rule matches and no default is configured.
const DefaultStrategy = StrategyHITL

// DefaultChannel applies when no rule matches and no default is configured.
const DefaultChannel = ChannelWeb

// alwaysApproved is the closed set of signaling tools that bypass rule
// resolution entirely. Declared at load; never mutated.
var alwaysApproved = map[string]bool{
	"intent_report": true,
}

// AlwaysApproved reports whether tool bypasses gating unconditionally.
func AlwaysApproved(tool string) bool {
	return alwaysApproved[tool]
}

// Engine resolves queries against an atomically replaceable rule table.
// Resolution is a pure function of the query and the current table; it
// performs no I/O and is safe for concurrent readers.
type Engine struct {
	mu              sync.RWMutex
	rules           []Rule
	defaultStrategy Strategy
	defaultChannel  Channel
	path            string
	logger          *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithDefaults overrides the built-in (hitl, web) fallback.
func WithDefaults(s Strategy, c Channel) Option {
	return func(e *Engine) {
		if s.Valid() {
			e.defaultStrategy = s
		}
		if c != "" {
			e.defaultChannel = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine backed by the rules file at path. A missing
// file is not an error; the engine starts with an empty table.
func NewEngine(path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		defaultStrategy: DefaultStrategy,
		defaultChannel:  DefaultChannel,
		path:            path,
		logger:          slog.Default().With("component", "guardrails"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if path != "" {
		if err := e.Reload(); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			e.logger.Info("no guardrails file, starting with empty rule table", "path", path)
		}
	}
	return e, nil
}

// Resolve returns the strategy and channel for a query. When several rules
// match, the one with the most non-wildcard matched fields wins; ties are
// broken in favor of the stricter strategy.
func (e *Engine) Resolve(q Query) Resolution {
	e.mu.RLock()
	rules := e.rules
	defStrategy := e.defaultStrategy
	defChannel := e.defaultChannel
	e.mu.RUnlock()

	var best *Rule
	bestScore := -1
	for i := range rules {
		r := &rules[i]
		score := r.specificity(q)
		if score < 0 {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && r.Strategy.Stricter(best.Strategy)) {
			best = r
			bestScore = score
		}
	}

	if best == nil {
		return Resolution{Strategy: defStrategy, Channel: defChannel}
	}
	res := Resolution{Strategy: best.Strategy, Channel: best.Channel, Matched: best}
	if res.Channel == "" {
		res.Channel = defChannel
	}
	return res
}

// Rules returns a snapshot of the current rule table.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Replace validates and atomically installs a new rule table, persisting
// it to disk when the engine has a backing file.
func (e *Engine) Replace(rules []Rule) error {
	for i, r := range rules {
		if !r.Strategy.Valid() {
			return fmt.Errorf("rule %d: unknown strategy %q", i, r.Strategy)
		}
	}
	table := make([]Rule, len(rules))
	copy(table, rules)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.path != "" {
		if err := writeRulesFile(e.path, table); err != nil {
			return err
		}
	}
	e.rules = table
	return nil
}

// Reload re-reads the rules file and replaces the table.
func (e *Engine) Reload() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	var doc rulesFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse guardrails file: %w", err)
	}
	for i, r := range doc.Rules {
		if !r.Strategy.Valid() {
			return fmt.Errorf("guardrails file rule %d: unknown strategy %q", i, r.Strategy)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = doc.Rules
	if doc.DefaultStrategy.Valid() {
		e.defaultStrategy = doc.DefaultStrategy
	}
	if doc.DefaultChannel != "" {
		e.defaultChannel = doc.DefaultChannel
	}
	return nil
}

type rulesFile struct {
	Rules           []Rule   `json:"rules"`
	DefaultStrategy Strategy `json:"default_strategy,omitempty"`
	DefaultChannel  Channel  `json:"default_channel,omitempty"`
}

// writeRulesFile rewrites the rules file atomically via rename.
func writeRulesFile(path string, rules []Rule) error {
	data, err := json.MarshalIndent(rulesFile{Rules: rules}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
