package activity

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Store is the append-only audit log. Appends are serialized through a
// single mutex; reads work on snapshots of the in-memory index.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[int64]Entry // latest version per id
	order   []int64         // insertion order of ids
	nextID  int64
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore opens (or creates) the JSONL-backed store at path. Reload is
// idempotent: replaying the file top to bottom rebuilds the same index.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[int64]Entry),
		nextID:  1,
		logger:  slog.Default().With("component", "tool-activity"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Warn("skipping malformed audit line", "line", line, "error", err)
			continue
		}
		if _, seen := s.entries[e.ID]; !seen {
			s.order = append(s.order, e.ID)
		}
		s.entries[e.ID] = e
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
	}
	return scanner.Err()
}

// append writes one entry line to disk and updates the index. Caller holds
// the lock.
func (s *Store) append(e Entry) error {
	if _, seen := s.entries[e.ID]; !seen {
		s.order = append(s.order, e.ID)
	}
	s.entries[e.ID] = e
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// RecordStart creates a started entry for a tool invocation and returns it.
// The initial risk score comes from pattern-matching the arguments.
func (s *Store) RecordStart(sessionID, tool, callID, arguments string, category Category, model, interactionType string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	score, factors := assessRisk(arguments)
	e := Entry{
		ID:              s.nextID,
		SessionID:       sessionID,
		Tool:            tool,
		CallID:          callID,
		Category:        category,
		Arguments:       arguments,
		Status:          StatusStarted,
		Timestamp:       s.now(),
		RiskScore:       score,
		RiskFactors:     factors,
		Model:           model,
		InteractionType: interactionType,
		Flagged:         score >= flagThreshold,
	}
	if e.Flagged {
		e.FlagReason = "risk patterns matched"
	}
	s.nextID++
	if err := s.append(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Import backfills entries from another source, reassigning ids so they
// never collide with live ones. Risk is re-assessed from the imported
// arguments; statuses and timestamps are kept as given.
func (s *Store) Import(entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.Tool == "" {
			continue
		}
		score, factors := assessRisk(e.Arguments + " " + e.Result)
		if score > e.RiskScore {
			e.RiskScore = score
			e.RiskFactors = factors
		}
		if e.Status == "" {
			e.Status = StatusCompleted
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now()
		}
		e.ID = s.nextID
		s.nextID++
		if err := s.append(e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// findPendingLocked returns the most recent non-terminal entry for callID.
func (s *Store) findPendingLocked(callID string) (Entry, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if e.CallID == callID && !e.Status.Terminal() {
			return e, true
		}
	}
	return Entry{}, false
}

// UpdateShieldResult attaches a shield verdict to the pending entry for
// callID before the tool executes.
func (s *Store) UpdateShieldResult(callID, result, detail string, elapsedMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.findPendingLocked(callID)
	if !ok {
		return fmt.Errorf("activity: no pending entry for call %s", callID)
	}
	e.ShieldResult = result
	e.ShieldDetail = detail
	e.ShieldElapsedMs = elapsedMs
	return s.append(e)
}

// UpdateInteractionType amends the pending entry's interaction type once
// the strategy dispatch settles it.
func (s *Store) UpdateInteractionType(callID, interactionType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.findPendingLocked(callID)
	if !ok {
		return fmt.Errorf("activity: no pending entry for call %s", callID)
	}
	e.InteractionType = interactionType
	return s.append(e)
}

// RecordComplete closes the pending entry for callID with a terminal
// status. Risk is re-assessed over arguments plus result and never lowered.
func (s *Store) RecordComplete(callID, result string, status Status) (Entry, error) {
	if !status.Terminal() {
		return Entry{}, fmt.Errorf("activity: %s is not a terminal status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.findPendingLocked(callID)
	if !ok {
		return Entry{}, fmt.Errorf("activity: no pending entry for call %s", callID)
	}
	now := s.now()
	e.Result = result
	e.Status = status
	e.DurationMs = float64(now.Sub(e.Timestamp).Microseconds()) / 1000.0
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}

	score, factors := assessRisk(e.Arguments + "\n" + result)
	if score > e.RiskScore {
		e.RiskScore = score
	}
	if len(factors) > len(e.RiskFactors) {
		e.RiskFactors = factors
	}
	if e.RiskScore >= flagThreshold && !e.Flagged {
		e.Flagged = true
		e.FlagReason = "risk patterns matched"
	}
	if err := s.append(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// snapshot returns the deduplicated entries, newest first. Caller must not
// hold the lock.
func (s *Store) snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (q Query) matches(e Entry) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.Tool != "" && e.Tool != q.Tool {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if q.FlaggedOnly && !e.Flagged {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if q.Model != "" && e.Model != q.Model {
		return false
	}
	if q.InteractionType != "" && e.InteractionType != q.InteractionType {
		return false
	}
	return true
}

// Query filters, sorts newest-first, and paginates.
func (s *Store) Query(q Query) QueryResult {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var matched []Entry
	for _, e := range s.snapshot() {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}
	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	page := make([]Entry, end-start)
	copy(page, matched[start:end])
	return QueryResult{Entries: page, Total: total, Offset: q.Offset, Limit: q.Limit}
}

// Get returns the latest version of one entry.
func (s *Store) Get(id int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Flag marks an entry for manual audit attention; persisted.
func (s *Store) Flag(id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("activity: entry %d not found", id)
	}
	e.Flagged = true
	e.FlagReason = reason
	return s.append(e)
}

// Unflag clears a manual flag; persisted.
func (s *Store) Unflag(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("activity: entry %d not found", id)
	}
	e.Flagged = false
	e.FlagReason = ""
	return s.append(e)
}

// Summary aggregates the deduplicated log.
func (s *Store) Summary() Summary {
	entries := s.snapshot()
	sum := Summary{
		ByTool:            make(map[string]int),
		ByCategory:        make(map[string]int),
		ByStatus:          make(map[string]int),
		ByModel:           make(map[string]int),
		ByInteractionType: make(map[string]int),
	}
	sessions := make(map[string]bool)
	var durations []float64
	var totalDuration float64

	for _, e := range entries {
		sum.Total++
		if e.Flagged {
			sum.Flagged++
		}
		sum.ByTool[e.Tool]++
		sum.ByCategory[string(e.Category)]++
		sum.ByStatus[string(e.Status)]++
		if e.Model != "" {
			sum.ByModel[e.Model]++
		}
		if e.InteractionType != "" {
			sum.ByInteractionType[e.InteractionType]++
		}
		if e.SessionID != "" {
			sessions[e.SessionID] = true
		}
		if e.DurationMs > 0 {
			durations = append(durations, e.DurationMs)
			totalDuration += e.DurationMs
			if e.DurationMs > sum.MaxDurationMs {
				sum.MaxDurationMs = e.DurationMs
			}
		}
		switch {
		case e.RiskScore >= 70:
			sum.RiskHigh++
		case e.RiskScore >= flagThreshold:
			sum.RiskMedium++
		default:
			sum.RiskLow++
		}
	}
	sum.SessionsWithActivity = len(sessions)
	if len(durations) > 0 {
		sum.AvgDurationMs = totalDuration / float64(len(durations))
		sort.Float64s(durations)
		idx := int(float64(len(durations))*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		sum.P95DurationMs = durations[idx]
	}
	return sum
}

// Timeline buckets entry counts by bucketMinutes between since and until.
func (s *Store) Timeline(bucketMinutes int, since, until time.Time) []TimelineBucket {
	if bucketMinutes <= 0 {
		bucketMinutes = 60
	}
	bucket := time.Duration(bucketMinutes) * time.Minute
	if until.IsZero() {
		until = s.now()
	}
	if since.IsZero() {
		since = until.Add(-24 * time.Hour)
	}
	since = since.Truncate(bucket)

	index := make(map[time.Time]*TimelineBucket)
	for _, e := range s.snapshot() {
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			continue
		}
		start := e.Timestamp.Truncate(bucket)
		b, ok := index[start]
		if !ok {
			b = &TimelineBucket{Start: start}
			index[start] = b
		}
		b.Count++
		if e.Flagged {
			b.Flagged++
		}
		if e.Status == StatusDenied {
			b.Denied++
		}
	}
	out := make([]TimelineBucket, 0, len(index))
	for _, b := range index {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Sessions returns a per-session breakdown, most recent first.
func (s *Store) Sessions() []SessionBreakdown {
	index := make(map[string]*SessionBreakdown)
	for _, e := range s.snapshot() {
		if e.SessionID == "" {
			continue
		}
		b, ok := index[e.SessionID]
		if !ok {
			b = &SessionBreakdown{SessionID: e.SessionID}
			index[e.SessionID] = b
		}
		b.Count++
		if e.Flagged {
			b.Flagged++
		}
		if e.Status == StatusDenied {
			b.Denied++
		}
		if e.Timestamp.After(b.LastSeen) {
			b.LastSeen = e.Timestamp
		}
	}
	out := make([]SessionBreakdown, 0, len(index))
	for _, b := range index {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// ExportCSV streams the filtered entries as CSV.
func (s *Store) ExportCSV(w io.Writer, q Query) error {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "timestamp", "session_id", "tool", "call_id", "category",
		"status", "duration_ms", "flagged", "flag_reason", "risk_score",
		"model", "interaction_type", "shield_result",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range s.snapshot() {
		if !q.matches(e) {
			continue
		}
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.Format(time.RFC3339Nano),
			e.SessionID,
			e.Tool,
			e.CallID,
			string(e.Category),
			string(e.Status),
			strconv.FormatFloat(e.DurationMs, 'f', 3, 64),
			strconv.FormatBool(e.Flagged),
			e.FlagReason,
			strconv.Itoa(e.RiskScore),
			e.Model,
			e.InteractionType,
			e.ShieldResult,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
