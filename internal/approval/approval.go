// Package approval holds the single outstanding proposal of a session and
// makes sure nothing executes without a fresh, single-use approval token.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/planner"
)

var (
	ErrProposalPending   = errors.New("a proposal is already pending")
	ErrNoPendingProposal = errors.New("no pending proposal")
	ErrProposalMismatch  = errors.New("proposal id does not match the pending proposal")
	ErrTokenConsumed     = errors.New("approval token already consumed")
	ErrTokenMismatch     = errors.New("approval token does not match command")
	ErrExecutionInFlight = errors.New("proposal is executing and cannot be cancelled")
	ErrGateClosed        = errors.New("session closed")
)

// Token is a single-use credential binding one command to one approval.
type Token struct {
	ID        string    `json:"id"`
	CommandID string    `json:"command_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Result is what an executor reports.
type Result struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Executor carries out an approved action. The gate has already redeemed
// tok for action.ID when Execute is called.
type Executor interface {
	Execute(ctx context.Context, action planner.PlannedAction, tok Token) (Result, error)
}

// Execution is the outcome of running one proposal.
type Execution struct {
	Action planner.PlannedAction `json:"action"`
	Token  Token                 `json:"token"`
	Result Result                `json:"result"`
}

// Gate owns the lifecycle of one session's proposals.
type Gate struct {
	exec Executor

	mu      sync.Mutex
	current *planner.PlannedAction
	closed  bool

	// issued holds tokens not yet redeemed; at most one is outstanding.
	// spent is the most recently redeemed token.
	issued map[string]Token
	spent  Token
}

// NewGate returns an empty gate that runs approved actions on exec.
func NewGate(exec Executor) *Gate {
	return &Gate{
		exec:   exec,
		issued: make(map[string]Token),
	}
}

// Propose places action in the gate's single slot and marks it planned.
// The slot must be empty.
func (g *Gate) Propose(action planner.PlannedAction) (planner.PlannedAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placeLocked(action)
}

func (g *Gate) placeLocked(action planner.PlannedAction) (planner.PlannedAction, error) {
	if g.closed {
		return action, ErrGateClosed
	}
	if g.current != nil {
		return action, fmt.Errorf("%w: %s", ErrProposalPending, g.current.ID)
	}
	if err := action.Transition(planner.StatusPlanned); err != nil {
		return action, err
	}
	a := action
	g.current = &a
	return a, nil
}

// Pending returns a copy of the outstanding proposal, if any.
func (g *Gate) Pending() (planner.PlannedAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return planner.PlannedAction{}, false
	}
	return *g.current, true
}

// Approve issues a fresh token for the pending proposal id and runs it. An
// executor failure is reported in the Execution, not as an error; errors
// are reserved for contract violations.
func (g *Gate) Approve(ctx context.Context, id string) (Execution, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Execution{}, ErrGateClosed
	}
	if err := g.matchLocked(id); err != nil {
		g.mu.Unlock()
		return Execution{}, err
	}
	action, tok, err := g.startLocked()
	g.mu.Unlock()
	if err != nil {
		return Execution{}, err
	}
	return g.run(ctx, action, tok), nil
}

// ExecuteWithoutConfirmation places action in the empty slot and runs it on
// the user's behalf when policy says no confirmation is needed. The action
// is executing before the lock is released, so a concurrent Approve of the
// same id sees ErrExecutionInFlight instead of running it.
func (g *Gate) ExecuteWithoutConfirmation(ctx context.Context, action planner.PlannedAction) (Execution, error) {
	g.mu.Lock()
	if _, err := g.placeLocked(action); err != nil {
		g.mu.Unlock()
		return Execution{}, err
	}
	started, tok, err := g.startLocked()
	if err != nil {
		g.current = nil
		g.mu.Unlock()
		return Execution{}, err
	}
	g.mu.Unlock()
	return g.run(ctx, started, tok), nil
}

// startLocked moves the current proposal to executing and issues its token.
func (g *Gate) startLocked() (planner.PlannedAction, Token, error) {
	if g.current.Status == planner.StatusExecuting {
		return planner.PlannedAction{}, Token{}, ErrExecutionInFlight
	}
	if err := g.current.Transition(planner.StatusExecuting); err != nil {
		return planner.PlannedAction{}, Token{}, err
	}
	tok := Token{ID: uuid.New().String(), CommandID: g.current.ID, IssuedAt: time.Now().UTC()}
	g.issued[tok.ID] = tok
	return *g.current, tok, nil
}

func (g *Gate) run(ctx context.Context, action planner.PlannedAction, tok Token) Execution {
	var (
		res Result
		err = g.Redeem(tok, action.ID)
	)
	if err == nil {
		res, err = g.exec.Execute(ctx, action, tok)
	}
	if err != nil {
		res = Result{Success: false, Error: err.Error()}
	} else if !res.Success && res.Error == "" {
		res.Error = "execution failed"
	}

	final := planner.StatusCompleted
	if !res.Success {
		final = planner.StatusFailed
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.issued, tok.ID)
	if g.current != nil && g.current.ID == action.ID {
		if terr := g.current.Transition(final); terr != nil {
			slog.Error("approval gate transition", "proposal", action.ID, "error", terr)
		}
		action = *g.current
		g.current = nil
	} else {
		action.Status = final
	}
	return Execution{Action: action, Token: tok, Result: res}
}

// Reject cancels the pending proposal id without issuing a token.
func (g *Gate) Reject(id string) (planner.PlannedAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.matchLocked(id); err != nil {
		return planner.PlannedAction{}, err
	}
	return g.cancelLocked()
}

// Close rejects any planned proposal and refuses further proposals. An
// executing proposal is left to finish. The cancelled action is returned
// when there was one.
func (g *Gate) Close() (*planner.PlannedAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.current == nil || g.current.Status == planner.StatusExecuting {
		return nil, nil
	}
	a, err := g.cancelLocked()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (g *Gate) cancelLocked() (planner.PlannedAction, error) {
	if g.current.Status == planner.StatusExecuting {
		return *g.current, ErrExecutionInFlight
	}
	if err := g.current.Transition(planner.StatusCancelled); err != nil {
		return *g.current, err
	}
	a := *g.current
	g.current = nil
	return a, nil
}

func (g *Gate) matchLocked(id string) error {
	if g.current == nil {
		return ErrNoPendingProposal
	}
	if g.current.ID != id {
		return fmt.Errorf("%w: got %s, pending %s", ErrProposalMismatch, id, g.current.ID)
	}
	return nil
}

// Redeem consumes tok for commandID. A token redeems exactly once.
func (g *Gate) Redeem(tok Token, commandID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tok.ID != "" && tok.ID == g.spent.ID {
		if tok.CommandID != commandID || g.spent.CommandID != commandID {
			return ErrTokenMismatch
		}
		return ErrTokenConsumed
	}
	issued, ok := g.issued[tok.ID]
	if !ok || issued.CommandID != commandID || tok.CommandID != commandID {
		return ErrTokenMismatch
	}
	delete(g.issued, tok.ID)
	g.spent = issued
	return nil
}
