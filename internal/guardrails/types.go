// Package guardrails resolves tool invocations to gating strategies.
// A rule table maps (tool, server, execution context, model) tuples to a
// strategy and an approval channel; the most specific matching rule wins.
package guardrails

import "strings"

// Strategy is the gating action applied to a tool invocation.
type Strategy string

const (
	// StrategyAllow permits the invocation without further checks.
	StrategyAllow Strategy = "allow"

	// StrategyDeny blocks the invocation unconditionally.
	StrategyDeny Strategy = "deny"

	// StrategyFilter runs the content-safety shield and allows on a clean
	// verdict.
	StrategyFilter Strategy = "filter"

	// StrategyAITL asks a secondary AI reviewer for a verdict.
	StrategyAITL Strategy = "aitl"

	// StrategyPITL confirms over an outbound phone call.
	StrategyPITL Strategy = "pitl"

	// StrategyHITL solicits approval from a human over a channel.
	StrategyHITL Strategy = "hitl"
)

// precedence orders strategies strictest-first for tie breaking. When two
// rules match with equal specificity the stricter action wins.
var precedence = map[Strategy]int{
	StrategyDeny:   0,
	StrategyPITL:   1,
	StrategyAITL:   2,
	StrategyFilter: 3,
	StrategyHITL:   4,
	StrategyAllow:  5,
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := precedence[s]
	return ok
}

// Stricter reports whether s takes precedence over other.
func (s Strategy) Stricter(other Strategy) bool {
	return precedence[s] < precedence[other]
}

// Channel selects the transport used when a strategy needs human input.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelBot   Channel = "bot"
	ChannelPhone Channel = "phone"
)

// ExecutionContext labels the originator of a tool call so rules can vary
// by caller.
type ExecutionContext string

const (
	ContextInteractive  ExecutionContext = "interactive"
	ContextScheduler    ExecutionContext = "scheduler"
	ContextBotProcessor ExecutionContext = "bot_processor"
)

// Wildcard matches any value in a rule field.
const Wildcard = "*"

// Rule maps an invocation shape to a strategy. Empty or "*" fields match
// anything; non-wildcard fields must match exactly.
type Rule struct {
	Tool     string   `json:"tool,omitempty"`
	Server   string   `json:"mcp_server,omitempty"`
	Context  string   `json:"execution_context,omitempty"`
	Model    string   `json:"model,omitempty"`
	Strategy Strategy `json:"strategy"`
	Channel  Channel  `json:"channel,omitempty"`
}

// Query describes a tool invocation to be resolved.
type Query struct {
	Tool    string
	Server  string
	Context ExecutionContext
	Model   string
}

// Resolution is the outcome of resolving a query against the rule table.
type Resolution struct {
	Strategy Strategy
	Channel  Channel

	// Matched is the winning rule, nil when the defaults applied.
	Matched *Rule
}

// fieldMatch reports whether a rule field accepts a query value, and
// whether the match was specific (non-wildcard).
func fieldMatch(ruleVal, queryVal string) (match, specific bool) {
	ruleVal = strings.TrimSpace(ruleVal)
	if ruleVal == "" || ruleVal == Wildcard {
		return true, false
	}
	return ruleVal == queryVal, true
}

// specificity scores a rule against a query: the count of non-wildcard
// fields that matched, or -1 when any field conflicts.
func (r *Rule) specificity(q Query) int {
	score := 0
	for _, pair := range [][2]string{
		{r.Tool, q.Tool},
		{r.Server, q.Server},
		{r.Context, string(q.Context)},
		{r.Model, q.Model},
	} {
		match, specific := fieldMatch(pair[0], pair[1])
		if !match {
			return -1
		}
		if specific {
			score++
		}
	}
	return score
}
