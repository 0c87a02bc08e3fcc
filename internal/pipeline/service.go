// Package pipeline runs one user turn through the decision and trust
// pipeline: normalize, read meaning, classify, maybe ask, plan, log, and
// then either execute or wait for approval. It owns the per-session arena
// holding every piece of mutable session state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/behavior"
	"github.com/kalambet/aide/internal/clarify"
	"github.com/kalambet/aide/internal/confidence"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/mood"
	"github.com/kalambet/aide/internal/normalize"
	"github.com/kalambet/aide/internal/planner"
	"github.com/kalambet/aide/internal/settings"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/usage"
)

var (
	ErrEmptyInput     = errors.New("input is empty")
	ErrUnknownSession = errors.New("unknown session")
)

const (
	maxHistory       = 10
	inputRateWindow  = 5 * time.Minute
	followUpReason   = "one proposal per turn; returned as a follow-up"
	defaultSessionID = "default"
)

// IntentClassifier is the classification service. Implemented by
// intent.Classifier.
type IntentClassifier interface {
	Classify(ctx context.Context, text, contextSummary string, history []intent.Turn) (intent.Classification, error)
}

// UsageSource records usage events and serves the aggregated pattern.
// Implemented by usage.Manager.
type UsageSource interface {
	Record(sessionID, kind, entityID string) error
	Pattern(sessionID string) (*mood.UsagePattern, error)
}

// EngagementStore persists per-session engagement counters.
// Implemented by storage.Store.
type EngagementStore interface {
	SaveEngagement(sessionID string, m mood.EngagementMetrics) error
	GetEngagement(sessionID string) (mood.EngagementMetrics, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps wires the Service. Executor and Settings are required; a nil
// Classifier means rule-based classification only.
type Deps struct {
	Classifier IntentClassifier
	Executor   approval.Executor
	Settings   settings.Provider
	Ledger     *ledger.Ledger
	Usage      UsageSource
	Engagement EngagementStore
	Clock      Clock
	Logger     *slog.Logger
}

// Outcome says how a turn ended.
type Outcome string

const (
	OutcomeClarification Outcome = "clarification"
	OutcomeProposal      Outcome = "proposal"
	OutcomeExecuted      Outcome = "executed"
)

// Response is the result of one Submit.
type Response struct {
	SessionID string                 `json:"session_id"`
	InputID   string                 `json:"input_id"`
	Outcome   Outcome                `json:"outcome"`
	Question  *clarify.Question      `json:"question,omitempty"`
	Proposal  *planner.PlannedAction `json:"proposal,omitempty"`
	Execution *approval.Execution    `json:"execution,omitempty"`
	// DecisionID is the ledger entry of the proposal, if one was made.
	DecisionID string             `json:"decision_id,omitempty"`
	Behavior   behavior.AIBehavior `json:"behavior"`
	Mood       mood.Inference     `json:"mood"`
	// Message is what the assistant says; empty when silenced.
	Message string `json:"message,omitempty"`
	// Pending holds clauses of a multi-clause input not acted on this turn.
	Pending []string `json:"pending,omitempty"`
}

// PromptStatus reports whether the assistant may initiate contact.
type PromptStatus struct {
	Allowed      bool                   `json:"allowed"`
	Level        float64                `json:"throttle_level"`
	DelayMinutes int                    `json:"delay_minutes"`
	Metrics      mood.EngagementMetrics `json:"metrics"`
}

// Service is the pipeline entry point. It is safe for concurrent use;
// turns within one session are serialized.
type Service struct {
	classifier IntentClassifier
	executor   approval.Executor
	settings   settings.Provider
	ledger     *ledger.Ledger
	usage      UsageSource
	engagement EngagementStore
	clock      Clock
	logger     *slog.Logger
	moods      mood.Classifier

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Service from deps.
func New(deps Deps) *Service {
	s := &Service{
		classifier: deps.Classifier,
		executor:   deps.Executor,
		settings:   deps.Settings,
		ledger:     deps.Ledger,
		usage:      deps.Usage,
		engagement: deps.Engagement,
		clock:      deps.Clock,
		logger:     deps.Logger,
		sessions:   make(map[string]*session),
	}
	if s.ledger == nil {
		s.ledger = ledger.New(ledger.DefaultCapacity)
	}
	if s.settings == nil {
		s.settings = settings.NewStatic(settings.Default())
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Ledger exposes the decision ledger for read-only queries.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Submit runs one user turn. A configured classifier that fails surfaces
// intent.ErrClassificationFailure and nothing is proposed or logged.
func (s *Service) Submit(ctx context.Context, sessionID string, in normalize.Input) (Response, error) {
	clauses := normalize.SplitClauses(in.Content)
	if len(clauses) == 0 {
		return Response{}, ErrEmptyInput
	}
	sess := s.session(sessionID)

	sess.turn.Lock()
	defer sess.turn.Unlock()

	now := s.clock.Now()
	sess.touch(now, true)

	if p, ok := sess.gate.Pending(); ok {
		return Response{}, fmt.Errorf("%w: %s", approval.ErrProposalPending, p.ID)
	}

	primary, rest := pickPrimary(clauses)
	meaning := intent.ExtractMeaning(primary)
	s.recordUsage(sess.id, usage.KindInput, "")

	pattern := s.pattern(sess.id)
	var (
		cls intent.Classification
		inf mood.Inference
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.classifier != nil {
		history := sess.historySnapshot()
		summary := usage.Summarize(pattern)
		g.Go(func() error {
			c, err := s.classifier.Classify(gctx, primary, summary, history)
			if err != nil {
				return err
			}
			cls = c
			return nil
		})
	} else {
		cls = intent.Classification{Kind: intent.KindUnknown}
	}
	signals := mood.Signals{
		Text:                in.Content,
		Usage:               pattern,
		RecentFriction:      sess.friction.Recent(),
		RecentPostponements: sess.postponementCount(),
		InputFrequency:      sess.inputRate(now),
		At:                  now,
	}
	g.Go(func() error {
		inf = s.moods.Classify(signals)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("classification failed", "session", sess.id, "error", err)
		return Response{}, err
	}

	metrics := sess.throttle.Metrics()
	beh := behavior.Determine(behavior.Input{
		Mood:             inf.Mood,
		State:            inf.State,
		Usage:            pattern,
		RecentFriction:   signals.RecentFriction,
		RecentEngagement: &metrics,
		Dismissals:       metrics.ConsecutiveDismissals,
	})
	sess.setMood(inf)

	resp := Response{SessionID: sess.id, InputID: in.ID, Behavior: beh, Mood: inf, Pending: rest}
	sess.addHistory("user", in.Content)

	// Pick the intent and the confidence the gate sees.
	rule := intent.RuleIntent(primary, meaning)
	chosen := rule
	effective := meaning.Confidence
	switch cls.Kind {
	case intent.KindIntent:
		chosen = *cls.Intent
		effective = confidence.Min(meaning.Confidence, cls.Intent.Confidence)
	case intent.KindClarification:
		if beh.AllowsQuestions() {
			if q := sess.clarify.IssueQuestion(cls.FollowUpQuestion, meaning.Title); q != nil {
				return s.ask(sess, resp, q), nil
			}
		}
	}

	gm := meaning
	gm.Confidence = effective
	if beh.AllowsQuestions() {
		if q := sess.clarify.GenerateQuestion(gm); q != nil {
			return s.ask(sess, resp, q), nil
		}
	}

	chosen.Confidence = effective
	chosen.OriginalInput = in.Content
	action := planner.Plan(chosen)
	needsApproval := action.RequiresConfirmation || s.settings.RequiresApproval(chosen.Action)

	entry := ledger.Entry{
		SessionID:           sess.id,
		ProposalID:          action.ID,
		TriggerInput:        in.Content,
		TriggerType:         string(in.Kind),
		InferredIntent:      describeIntent(chosen),
		ConfidenceScore:     effective,
		Alternatives:        alternatives(chosen, rule, meaning, rest),
		SelectedAction:      string(chosen.Action),
		SelectionReasoning:  reasoning(chosen, meaning, effective, needsApproval),
		MoodContext:         inf.String(),
		UsagePatternContext: usage.Summarize(pattern),
		RelatedEntityIDs:    chosen.EntityIDs(),
	}
	if prev := sess.lastDecision(); prev != "" {
		entry.RelatedDecisionIDs = []string{prev}
	}
	entry, err := s.ledger.Log(entry)
	if err != nil {
		return Response{}, fmt.Errorf("logging decision: %w", err)
	}
	sess.bindDecision(action.ID, entry.ID)
	resp.DecisionID = entry.ID

	if needsApproval {
		planned, err := sess.gate.Propose(action)
		if err != nil {
			return Response{}, fmt.Errorf("proposing action: %w", err)
		}
		resp.Outcome = OutcomeProposal
		resp.Proposal = &planned
		resp.Message, _ = beh.Message(
			fmt.Sprintf("Shall I %s?", describeIntent(chosen)),
			fmt.Sprintf("I read this as %s with %s confidence. Shall I go ahead?", describeIntent(chosen), confidence.Format(effective)),
			true,
		)
		sess.addHistory("assistant", resp.Message)
		s.logger.Info("proposal awaiting approval", "session", sess.id, "proposal", planned.ID, "action", chosen.Action)
		return resp, nil
	}

	exec, err := sess.gate.ExecuteWithoutConfirmation(ctx, action)
	if err != nil {
		return Response{}, fmt.Errorf("executing action: %w", err)
	}
	s.finish(sess, exec)
	resp.Outcome = OutcomeExecuted
	resp.Execution = &exec
	resp.Message = s.outcomeMessage(beh, exec)
	if resp.Message != "" {
		sess.addHistory("assistant", resp.Message)
	}
	return resp, nil
}

func (s *Service) ask(sess *session, resp Response, q *clarify.Question) Response {
	resp.Outcome = OutcomeClarification
	resp.Question = q
	resp.Message, _ = resp.Behavior.Message(q.Question, q.Question, true)
	sess.addHistory("assistant", q.Question)
	s.logger.Info("clarification issued", "session", sess.id, "question", q.ID)
	return resp
}

// Approve approves the session's pending proposal and runs it. Execution
// failures are reported in the returned Execution and recorded in the ledger.
func (s *Service) Approve(ctx context.Context, sessionID, proposalID string) (approval.Execution, error) {
	sess, err := s.existing(sessionID)
	if err != nil {
		return approval.Execution{}, err
	}
	sess.touch(s.clock.Now(), false)

	exec, err := sess.gate.Approve(ctx, proposalID)
	if err != nil {
		return approval.Execution{}, err
	}
	s.finish(sess, exec)
	return exec, nil
}

// Reject cancels the session's pending proposal. Its decision stays in the
// ledger unexecuted.
func (s *Service) Reject(sessionID, proposalID string) (planner.PlannedAction, error) {
	sess, err := s.existing(sessionID)
	if err != nil {
		return planner.PlannedAction{}, err
	}
	sess.touch(s.clock.Now(), false)

	a, err := sess.gate.Reject(proposalID)
	if err != nil {
		return planner.PlannedAction{}, err
	}
	sess.unbindDecision(a.ID)
	s.abandoned(sess, a)
	s.logger.Info("proposal rejected", "session", sess.id, "proposal", a.ID)
	return a, nil
}

// Pending returns the session's outstanding proposal, if any.
func (s *Service) Pending(sessionID string) (planner.PlannedAction, bool) {
	sess, err := s.existing(sessionID)
	if err != nil {
		return planner.PlannedAction{}, false
	}
	return sess.gate.Pending()
}

// CloseSession ends a session, implicitly rejecting a planned proposal.
// An executing proposal is left to finish. The cancelled proposal is
// returned when there was one.
func (s *Service) CloseSession(sessionID string) (*planner.PlannedAction, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	cancelled, err := sess.gate.Close()
	if err != nil {
		return nil, err
	}
	if cancelled != nil {
		sess.unbindDecision(cancelled.ID)
		s.abandoned(sess, *cancelled)
	}
	s.saveEngagement(sess)
	s.logger.Info("session closed", "session", sess.id, "implicit_reject", cancelled != nil)
	return cancelled, nil
}

// CloseIdle closes every session idle for at least maxIdle and returns
// their ids.
func (s *Service) CloseIdle(maxIdle time.Duration) []string {
	now := s.clock.Now()
	s.mu.Lock()
	var idle []string
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActiveAt()) >= maxIdle {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	var closed []string
	for _, id := range idle {
		if _, err := s.CloseSession(id); err != nil {
			if !errors.Is(err, ErrUnknownSession) {
				s.logger.Warn("closing idle session", "session", id, "error", err)
			}
			continue
		}
		closed = append(closed, id)
	}
	return closed
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RecordPromptShown counts an assistant-initiated prompt.
func (s *Service) RecordPromptShown(sessionID string) mood.EngagementMetrics {
	sess := s.session(sessionID)
	m := sess.throttle.RecordPromptShown()
	s.saveEngagement(sess)
	return m
}

// RecordPromptDismissed feeds a dismissal to the session's throttle.
func (s *Service) RecordPromptDismissed(sessionID string) mood.EngagementMetrics {
	sess := s.session(sessionID)
	m := sess.throttle.RecordDismissal()
	s.saveEngagement(sess)
	s.recordUsage(sess.id, usage.KindPromptDismissed, "")
	return m
}

// RecordPromptAccepted feeds an acceptance to the session's throttle.
func (s *Service) RecordPromptAccepted(sessionID string) mood.EngagementMetrics {
	sess := s.session(sessionID)
	m := sess.throttle.RecordAcceptance()
	s.saveEngagement(sess)
	s.recordUsage(sess.id, usage.KindPromptAccepted, "")
	return m
}

// ResetEngagement clears the session's engagement counters on explicit
// user request.
func (s *Service) ResetEngagement(sessionID string) {
	sess := s.session(sessionID)
	sess.throttle.Reset()
	s.saveEngagement(sess)
}

// PromptStatus reports whether the assistant may initiate a prompt now.
func (s *Service) PromptStatus(sessionID string) PromptStatus {
	sess := s.session(sessionID)
	return PromptStatus{
		Allowed:      sess.throttle.CanShowPrompt(),
		Level:        sess.throttle.Level(),
		DelayMinutes: sess.throttle.PromptDelayMinutes(),
		Metrics:      sess.throttle.Metrics(),
	}
}

// RecordFriction lets domain collaborators report friction on an entity.
func (s *Service) RecordFriction(sessionID string, f mood.Friction) {
	if f.At.IsZero() {
		f.At = s.clock.Now()
	}
	sess := s.session(sessionID)
	sess.friction.Add(f)
	s.recordUsage(sess.id, usage.KindFriction, f.EntityID)
}

// RecordPostponement counts one postponed task.
func (s *Service) RecordPostponement(sessionID string) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	sess.postponements++
	sess.mu.Unlock()
}

// CurrentMood returns the latest inference for the session.
func (s *Service) CurrentMood(sessionID string) (mood.Inference, bool) {
	sess, err := s.existing(sessionID)
	if err != nil {
		return mood.Inference{}, false
	}
	return sess.currentMood()
}

// GetLedgerEntry returns one decision.
func (s *Service) GetLedgerEntry(id string) (ledger.Entry, error) {
	return s.ledger.Get(id)
}

// QueryLedger returns decisions matching f, newest first.
func (s *Service) QueryLedger(f ledger.Filter) []ledger.Entry {
	return s.ledger.Query(f)
}

// Explain renders the stored explanation of a decision.
func (s *Service) Explain(id string) (string, error) {
	return s.ledger.Explain(id)
}

// finish records an execution outcome in the ledger and usage stream.
func (s *Service) finish(sess *session, exec approval.Execution) {
	decisionID := sess.unbindDecision(exec.Action.ID)
	if decisionID == "" {
		s.logger.Error("execution without decision", "session", sess.id, "proposal", exec.Action.ID)
		return
	}
	res := ledger.ExecutionResult{Success: exec.Result.Success, Message: exec.Result.Message, EntityID: exec.Result.EntityID}
	if _, err := s.ledger.MarkExecuted(decisionID, res, exec.Result.Error, exec.Token.ID); err != nil {
		s.logger.Error("marking decision executed", "decision", decisionID, "error", err)
	}

	if !exec.Result.Success {
		s.logger.Warn("execution failed", "session", sess.id, "proposal", exec.Action.ID, "error", exec.Result.Error)
		return
	}
	switch exec.Action.Intent.Action {
	case intent.ActionCompleteTask:
		s.recordUsage(sess.id, usage.KindCompleted, exec.Result.EntityID)
	case intent.ActionCreateTask:
		s.recordUsage(sess.id, usage.KindCreated, exec.Result.EntityID)
	}
}

// abandoned notes a cancelled proposal as abandonment friction.
func (s *Service) abandoned(sess *session, a planner.PlannedAction) {
	sess.friction.Add(mood.Friction{Type: mood.FrictionAbandonment, EntityID: a.ID, At: s.clock.Now()})
}

func (s *Service) outcomeMessage(beh behavior.AIBehavior, exec approval.Execution) string {
	if !exec.Result.Success {
		msg, _ := beh.Message("That didn't work: "+exec.Result.Error, "I couldn't finish that: "+exec.Result.Error, true)
		return msg
	}
	short := "Done."
	full := "Done."
	if exec.Result.Message != "" {
		full = "Done: " + exec.Result.Message + "."
	}
	msg, _ := beh.Message(short, full, false)
	return msg
}

func (s *Service) recordUsage(sessionID, kind, entityID string) {
	if s.usage == nil {
		return
	}
	if err := s.usage.Record(sessionID, kind, entityID); err != nil {
		s.logger.Warn("recording usage", "session", sessionID, "kind", kind, "error", err)
	}
}

func (s *Service) pattern(sessionID string) *mood.UsagePattern {
	if s.usage == nil {
		return nil
	}
	p, err := s.usage.Pattern(sessionID)
	if err != nil {
		s.logger.Warn("loading usage pattern", "session", sessionID, "error", err)
		return nil
	}
	return p
}

func (s *Service) saveEngagement(sess *session) {
	if s.engagement == nil {
		return
	}
	if err := s.engagement.SaveEngagement(sess.id, sess.throttle.Metrics()); err != nil {
		s.logger.Warn("saving engagement", "session", sess.id, "error", err)
	}
}

// pickPrimary returns the first clause with a usable reading and the rest.
func pickPrimary(clauses []string) (string, []string) {
	idx := 0
	for i, c := range clauses {
		m := intent.ExtractMeaning(c)
		if !m.Vague && len(strings.TrimSpace(m.Title)) >= 3 {
			idx = i
			break
		}
	}
	rest := make([]string, 0, len(clauses)-1)
	rest = append(rest, clauses[:idx]...)
	rest = append(rest, clauses[idx+1:]...)
	if len(rest) == 0 {
		rest = nil
	}
	return clauses[idx], rest
}

func describeIntent(in intent.Intent) string {
	if t := in.Title(); t != "" {
		return fmt.Sprintf("%s %q", in.Action, t)
	}
	return string(in.Action)
}

func reasoning(in intent.Intent, m intent.ExtractedMeaning, effective float64, needsApproval bool) string {
	parts := []string{"source: " + in.Source}
	if len(m.Signals) > 0 {
		parts = append(parts, "cues: "+strings.Join(m.Signals, ", "))
	}
	parts = append(parts, "confidence "+confidence.Format(effective))
	if needsApproval {
		parts = append(parts, "approval required")
	} else {
		parts = append(parts, "approval not required")
	}
	return strings.Join(parts, "; ")
}

func alternatives(chosen, rule intent.Intent, m intent.ExtractedMeaning, rest []string) []ledger.Alternative {
	var alts []ledger.Alternative
	if chosen.Source != intent.SourceRules && rule.Action != chosen.Action {
		alts = append(alts, ledger.Alternative{
			Action:         string(rule.Action),
			Confidence:     m.Confidence,
			Reasoning:      "rule cues: " + strings.Join(m.Signals, ", "),
			WhyNotSelected: "classification service chose " + string(chosen.Action),
		})
	}
	for _, c := range rest {
		cm := intent.ExtractMeaning(c)
		ri := intent.RuleIntent(c, cm)
		alts = append(alts, ledger.Alternative{
			Action:         string(ri.Action),
			Confidence:     cm.Confidence,
			Reasoning:      fmt.Sprintf("clause %q", c),
			WhyNotSelected: followUpReason,
		})
	}
	return alts
}

// session returns the live session, creating it on first use.
func (s *Service) session(id string) *session {
	if id == "" {
		id = defaultSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	var m mood.EngagementMetrics
	if s.engagement != nil {
		loaded, err := s.engagement.GetEngagement(id)
		switch {
		case err == nil:
			m = loaded
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("loading engagement", "session", id, "error", err)
		}
	}
	sess := newSession(id, s.executor, mood.NewThrottle(m, s.clock), s.clock.Now())
	s.sessions[id] = sess
	return sess
}

func (s *Service) existing(id string) (*session, error) {
	if id == "" {
		id = defaultSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}
