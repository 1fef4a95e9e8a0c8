// Package activity is the append-only audit log for tool invocations.
// Every gated tool call produces one entry that moves from started to a
// terminal status; updates are appended to a JSON-lines file and an
// in-memory index keeps the latest version per id.
package activity

import "time"

// Category classifies where a tool comes from.
type Category string

const (
	CategorySDK    Category = "sdk"
	CategoryCustom Category = "custom"
	CategoryMCP    Category = "mcp"
	CategorySkill  Category = "skill"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusDenied    Status = "denied"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDenied || s == StatusError
}

// Entry is one row of the audit log. Later writes with the same ID
// supersede earlier ones; readers deduplicate keeping the latest.
type Entry struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id,omitempty"`
	Tool            string    `json:"tool"`
	CallID          string    `json:"call_id"`
	Category        Category  `json:"category"`
	Arguments       string    `json:"arguments,omitempty"`
	Result          string    `json:"result,omitempty"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMs      float64   `json:"duration_ms,omitempty"`
	Flagged         bool      `json:"flagged"`
	FlagReason      string    `json:"flag_reason,omitempty"`
	RiskScore       int       `json:"risk_score"`
	RiskFactors     []string  `json:"risk_factors,omitempty"`
	Model           string    `json:"model,omitempty"`
	InteractionType string    `json:"interaction_type,omitempty"`
	ShieldResult    string    `json:"shield_result,omitempty"`
	ShieldDetail    string    `json:"shield_detail,omitempty"`
	ShieldElapsedMs float64   `json:"shield_elapsed_ms,omitempty"`
}

// Query filters the audit log.
type Query struct {
	SessionID       string
	Tool            string
	Category        Category
	Status          Status
	FlaggedOnly     bool
	Since           time.Time
	Model           string
	InteractionType string
	Offset          int
	Limit           int
}

// QueryResult is a page of entries plus the unpaginated total.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
}

// Summary aggregates the whole log.
type Summary struct {
	Total                int                `json:"total"`
	Flagged              int                `json:"flagged"`
	ByTool               map[string]int     `json:"by_tool"`
	ByCategory           map[string]int     `json:"by_category"`
	ByStatus             map[string]int     `json:"by_status"`
	ByModel              map[string]int     `json:"by_model"`
	ByInteractionType    map[string]int     `json:"by_interaction_type"`
	SessionsWithActivity int                `json:"sessions_with_activity"`
	AvgDurationMs        float64            `json:"avg_duration_ms"`
	MaxDurationMs        float64            `json:"max_duration_ms"`
	P95DurationMs        float64            `json:"p95_duration_ms"`
	RiskHigh             int                `json:"risk_high"`
	RiskMedium           int                `json:"risk_medium"`
	RiskLow              int                `json:"risk_low"`
}

// TimelineBucket is one time-bucketed count.
type TimelineBucket struct {
	Start   time.Time `json:"start"`
	Count   int       `json:"count"`
	Flagged int       `json:"flagged"`
	Denied  int       `json:"denied"`
}

// SessionBreakdown summarizes one session's activity.
type SessionBreakdown struct {
	SessionID string    `json:"session_id"`
	Count     int       `json:"count"`
	Flagged   int       `json:"flagged"`
	Denied    int       `json:"denied"`
	LastSeen  time.Time `json:"last_seen"`
}
