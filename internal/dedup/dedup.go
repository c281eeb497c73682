// Package dedup resolves duplicate .webm uploads inside a session.
//
// Web and desktop uploaders occasionally send the same recording twice. Such
// messages share a normalized file name; the most useful copy is kept and the
// others are soft-deleted. Telegram re-sends reliably and is left alone.
//
// Planning is pure and side-effect free so it can be previewed; Apply writes
// the plan.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Reason is written to dedup_reason on every replaced message.
const Reason = "same_webm_filename_replaced"

const extension = ".webm"

// Group is one set of same-named messages and the message that survives.
type Group struct {
	FileName     string   `json:"file_name"`
	WinnerID     string   `json:"winner_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
}

// Plan is the dedup preview for one session.
type Plan struct {
	SessionID         string  `json:"session_id"`
	ScannedMessages   int     `json:"scanned_messages"`
	CandidateMessages int     `json:"candidate_messages"`
	Groups            []Group `json:"groups"`
}

// ApplyResult reports what Apply changed.
type ApplyResult struct {
	SessionID              string `json:"session_id"`
	Groups                 int    `json:"groups"`
	DuplicatesMarkedDelete int    `json:"duplicates_marked_deleted"`
}

// BuildPlan groups msgs by normalized .webm file name and picks a winner in
// every group with more than one member. Groups are sorted by file name.
func BuildPlan(sessionID string, msgs []*types.Message) Plan {
	groups := make(map[string][]*types.Message)
	candidates := 0
	for _, m := range msgs {
		if m.IsDeleted || isTelegram(m) {
			continue
		}
		name := webmFilename(m)
		if name == "" {
			continue
		}
		groups[name] = append(groups[name], m)
		candidates++
	}

	plan := Plan{SessionID: sessionID, ScannedMessages: len(msgs), CandidateMessages: candidates, Groups: []Group{}}
	for name, members := range groups {
		if len(members) <= 1 {
			continue
		}
		winner := SelectWinner(members)
		g := Group{FileName: name, WinnerID: winner.ID}
		for _, m := range members {
			if m.ID != winner.ID {
				g.DuplicateIDs = append(g.DuplicateIDs, m.ID)
			}
		}
		if len(g.DuplicateIDs) > 0 {
			plan.Groups = append(plan.Groups, g)
		}
	}
	sort.Slice(plan.Groups, func(i, j int) bool { return plan.Groups[i].FileName < plan.Groups[j].FileName })
	return plan
}

// SelectWinner returns the most relevant message of a group, or nil when
// the group is empty.
func SelectWinner(members []*types.Message) *types.Message {
	if len(members) == 0 {
		return nil
	}
	sorted := append([]*types.Message(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return moreRelevant(sorted[i], sorted[j]) })
	return sorted[0]
}

// moreRelevant is the strict ranking, highest priority first.
func moreRelevant(a, b *types.Message) bool {
	if x, y := hasTranscription(a), hasTranscription(b); x != y {
		return x
	}
	if x, y := categorizationSize(a) > 0, categorizationSize(b) > 0; x != y {
		return x
	}
	if a.IsTranscribed != b.IsTranscribed {
		return a.IsTranscribed
	}
	if x, y := transcriptionLength(a), transcriptionLength(b); x != y {
		return x > y
	}
	if x, y := categorizationSize(a), categorizationSize(b); x != y {
		return x > y
	}
	if x, y := a.UpdatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(); x != y {
		return x > y
	}
	if x, y := a.CreatedAt.UnixMilli(), b.CreatedAt.UnixMilli(); x != y {
		return x > y
	}
	if x, y := timestampMillis(a.MessageTimestamp), timestampMillis(b.MessageTimestamp); x != y {
		return x > y
	}
	return a.ID > b.ID
}

// timestampMillis treats values that are too small to be milliseconds as
// seconds.
func timestampMillis(v int64) int64 {
	if v > 1e11 {
		return v
	}
	return v * 1000
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func webmFilename(m *types.Message) string {
	if name := normalize(m.FileName); strings.HasSuffix(name, extension) {
		return name
	}
	if m.FileMetadata != nil {
		if name := normalize(m.FileMetadata.OriginalFilename); strings.HasSuffix(name, extension) {
			return name
		}
	}
	for _, a := range m.Attachments {
		name := a.Name
		if name == "" {
			name = a.Filename
		}
		if name = normalize(name); strings.HasSuffix(name, extension) {
			return name
		}
	}
	return ""
}

// isTelegram looks at the stored source only; untagged rows are not exempt.
func isTelegram(m *types.Message) bool {
	if normalize(string(m.SourceType)) == string(types.MessageSourceTelegram) {
		return true
	}
	for _, a := range m.Attachments {
		if normalize(string(a.Source)) == string(types.MessageSourceTelegram) {
			return true
		}
	}
	return false
}

func hasTranscription(m *types.Message) bool {
	if m.Transcription != nil {
		for _, s := range m.Transcription.Segments {
			if strings.TrimSpace(s.Text) != "" {
				return true
			}
		}
	}
	for _, c := range m.TranscriptionChunks {
		if !c.IsDeleted && strings.TrimSpace(c.Text) != "" {
			return true
		}
	}
	return strings.TrimSpace(m.TranscriptionText) != "" || strings.TrimSpace(m.Text) != ""
}

func categorizationSize(m *types.Message) int {
	n := 0
	for _, row := range m.Categorization {
		if strings.TrimSpace(row.Text) != "" {
			n++
		}
	}
	return n
}

// transcriptionLength prefers transcription_text, then text, then the live
// chunks, then the segments.
func transcriptionLength(m *types.Message) int {
	if s := strings.TrimSpace(m.TranscriptionText); s != "" {
		return len(s)
	}
	if s := strings.TrimSpace(m.Text); s != "" {
		return len(s)
	}
	n := 0
	for _, c := range m.TranscriptionChunks {
		if !c.IsDeleted {
			n += len(strings.TrimSpace(c.Text))
		}
	}
	if n > 0 || m.Transcription == nil {
		return n
	}
	for _, s := range m.Transcription.Segments {
		n += len(strings.TrimSpace(s.Text))
	}
	return n
}

// Resolver plans and applies dedup against the store in one scope.
type Resolver struct {
	store store.Store
	scope scope.Scope
	now   func() time.Time
	log   *slog.Logger
}

// NewResolver returns a Resolver.
func NewResolver(st store.Store, sc scope.Scope, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, scope: sc, now: time.Now, log: logger.With("component", "dedup")}
}

// Plan loads the session's live messages and builds the plan.
func (r *Resolver) Plan(ctx context.Context, sessionID string) (Plan, error) {
	if _, err := r.store.GetSession(ctx, r.scope, sessionID); err != nil {
		return Plan{}, fmt.Errorf("dedup: %w", err)
	}
	msgs, err := r.store.FindMessages(ctx, r.scope, store.MessageQuery{SessionID: sessionID})
	if err != nil {
		return Plan{}, fmt.Errorf("dedup: load messages: %w", err)
	}
	return BuildPlan(sessionID, msgs), nil
}

// Apply soft-deletes every duplicate in plan. Messages already deleted or
// outside the scope are left alone.
func (r *Resolver) Apply(ctx context.Context, plan Plan) (ApplyResult, error) {
	res := ApplyResult{SessionID: plan.SessionID, Groups: len(plan.Groups)}
	now := r.now()
	for _, g := range plan.Groups {
		n, err := r.store.UpdateMessages(ctx, r.scope, g.DuplicateIDs, func(m *types.Message) error {
			if m.IsDeleted {
				return store.ErrSkip
			}
			m.IsDeleted = true
			m.DeletedAt = now
			m.UpdatedAt = now
			m.DedupReason = Reason
			m.DedupGroupKey = g.FileName
			m.DedupReplacedBy = g.WinnerID
			m.ToTranscribe = false
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("dedup: apply %s: %w", g.FileName, err)
		}
		res.DuplicatesMarkedDelete += n
		r.log.Info("duplicates replaced",
			"session_id", plan.SessionID, "file_name", g.FileName, "winner_id", g.WinnerID, "count", n)
	}
	return res, nil
}
