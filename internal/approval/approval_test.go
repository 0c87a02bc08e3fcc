package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []Token
	result  Result
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, action planner.PlannedAction, tok Token) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tok)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func plan(a intent.Action) planner.PlannedAction {
	return planner.Plan(intent.Intent{Action: a, Category: a.Category()})
}

func TestPropose_OneAtATime(t *testing.T) {
	g := NewGate(&fakeExecutor{result: Result{Success: true}})
	first, err := g.Propose(plan(intent.ActionCreateTask))
	require.NoError(t, err)
	assert.Equal(t, planner.StatusPlanned, first.Status)

	_, err = g.Propose(plan(intent.ActionCreateNote))
	assert.ErrorIs(t, err, ErrProposalPending)

	pending, ok := g.Pending()
	require.True(t, ok)
	assert.Equal(t, first.ID, pending.ID, "second proposal must not replace the first")
}

func TestApprove_Success(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true, Message: "created", EntityID: "t-1"}}
	g := NewGate(exec)
	p, err := g.Propose(plan(intent.ActionCreateTask))
	require.NoError(t, err)

	ex, err := g.Approve(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusCompleted, ex.Action.Status)
	assert.True(t, ex.Result.Success)
	assert.Equal(t, p.ID, ex.Token.CommandID)
	require.Len(t, exec.calls, 1)

	_, ok := g.Pending()
	assert.False(t, ok, "slot cleared after completion")
	// Fresh proposals are accepted again.
	_, err = g.Propose(plan(intent.ActionCreateNote))
	assert.NoError(t, err)
}

func TestApprove_ExecutionFailure(t *testing.T) {
	g := NewGate(&fakeExecutor{err: errors.New("disk full")})
	p, _ := g.Propose(plan(intent.ActionCreateTask))

	ex, err := g.Approve(context.Background(), p.ID)
	require.NoError(t, err, "execution failure is a result, not a contract error")
	assert.Equal(t, planner.StatusFailed, ex.Action.Status)
	assert.False(t, ex.Result.Success)
	assert.Equal(t, "disk full", ex.Result.Error)
}

func TestApprove_UnsuccessfulResultWithoutMessage(t *testing.T) {
	g := NewGate(&fakeExecutor{result: Result{Success: false}})
	p, _ := g.Propose(plan(intent.ActionCreateTask))
	ex, err := g.Approve(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusFailed, ex.Action.Status)
	assert.NotEmpty(t, ex.Result.Error)
}

func TestApprove_Preconditions(t *testing.T) {
	g := NewGate(&fakeExecutor{result: Result{Success: true}})
	_, err := g.Approve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoPendingProposal)

	p, _ := g.Propose(plan(intent.ActionCreateTask))
	_, err = g.Approve(context.Background(), "other")
	assert.ErrorIs(t, err, ErrProposalMismatch)

	_, err = g.Reject("other")
	assert.ErrorIs(t, err, ErrProposalMismatch)

	pending, ok := g.Pending()
	require.True(t, ok)
	assert.Equal(t, p.ID, pending.ID)
}

func TestReject_NoToken(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	g := NewGate(exec)
	p, _ := g.Propose(plan(intent.ActionDeleteTask))

	got, err := g.Reject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusCancelled, got.Status)
	assert.Empty(t, exec.calls)
	assert.Empty(t, g.issued)

	_, err = g.Approve(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNoPendingProposal)
}

func TestNoLateCancellation(t *testing.T) {
	exec := &fakeExecutor{
		result:  Result{Success: true},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGate(exec)
	p, _ := g.Propose(plan(intent.ActionCreateTask))

	done := make(chan Execution)
	go func() {
		ex, _ := g.Approve(context.Background(), p.ID)
		done <- ex
	}()
	<-exec.started

	_, err := g.Reject(p.ID)
	assert.ErrorIs(t, err, ErrExecutionInFlight)
	_, err = g.Approve(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrExecutionInFlight)
	cancelled, err := g.Close()
	assert.NoError(t, err)
	assert.Nil(t, cancelled, "close leaves an executing proposal alone")

	close(exec.release)
	ex := <-done
	assert.Equal(t, planner.StatusCompleted, ex.Action.Status)
}

func TestClose_ImplicitReject(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	g := NewGate(exec)
	p, _ := g.Propose(plan(intent.ActionSendEmail))

	cancelled, err := g.Close()
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, p.ID, cancelled.ID)
	assert.Equal(t, planner.StatusCancelled, cancelled.Status)
	assert.Empty(t, exec.calls)

	_, err = g.Propose(plan(intent.ActionCreateNote))
	assert.ErrorIs(t, err, ErrGateClosed)
}

func TestRedeem_SingleUse(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	g := NewGate(exec)
	p, _ := g.Propose(plan(intent.ActionCreateTask))
	ex, err := g.Approve(context.Background(), p.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Redeem(ex.Token, p.ID), ErrTokenConsumed)
	assert.ErrorIs(t, g.Redeem(ex.Token, "different"), ErrTokenMismatch)
	assert.ErrorIs(t, g.Redeem(Token{ID: "forged", CommandID: p.ID}, p.ID), ErrTokenMismatch)
}

func TestExecuteWithoutConfirmation(t *testing.T) {
	g := NewGate(&fakeExecutor{result: Result{Success: true}})
	ex, err := g.ExecuteWithoutConfirmation(context.Background(), plan(intent.ActionCreateNote))
	require.NoError(t, err)
	assert.Equal(t, planner.StatusCompleted, ex.Action.Status)
	assert.Equal(t, ex.Action.ID, ex.Token.CommandID)

	_, pending := g.Pending()
	assert.False(t, pending)
}

func TestExecuteWithoutConfirmation_SlotTaken(t *testing.T) {
	exec := &fakeExecutor{result: Result{Success: true}}
	g := NewGate(exec)
	p, _ := g.Propose(plan(intent.ActionCreateTask))

	_, err := g.ExecuteWithoutConfirmation(context.Background(), plan(intent.ActionCreateNote))
	assert.ErrorIs(t, err, ErrProposalPending)
	assert.Empty(t, exec.calls)

	pending, ok := g.Pending()
	require.True(t, ok)
	assert.Equal(t, p.ID, pending.ID)
}

func TestExecuteWithoutConfirmation_ApproveCannotTakeOver(t *testing.T) {
	exec := &fakeExecutor{
		result:  Result{Success: true},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGate(exec)
	action := plan(intent.ActionCreateTask)

	done := make(chan Execution)
	go func() {
		ex, _ := g.ExecuteWithoutConfirmation(context.Background(), action)
		done <- ex
	}()
	<-exec.started

	pending, ok := g.Pending()
	require.True(t, ok)
	assert.Equal(t, planner.StatusExecuting, pending.Status, "never observable as planned")
	_, err := g.Approve(context.Background(), action.ID)
	assert.ErrorIs(t, err, ErrExecutionInFlight)

	close(exec.release)
	ex := <-done
	assert.Equal(t, planner.StatusCompleted, ex.Action.Status)
	assert.Len(t, exec.calls, 1)
}

func TestTokens_DoNotAccumulate(t *testing.T) {
	g := NewGate(&fakeExecutor{result: Result{Success: true}})
	var first Token
	for i := range 50 {
		p, err := g.Propose(plan(intent.ActionCreateTask))
		require.NoError(t, err)
		ex, err := g.Approve(context.Background(), p.ID)
		require.NoError(t, err)
		if i == 0 {
			first = ex.Token
		}
		assert.Empty(t, g.issued, "redeemed tokens are dropped")
		assert.Equal(t, ex.Token.ID, g.spent.ID)
	}
	assert.Error(t, g.Redeem(first, first.CommandID), "an old token never redeems again")
}
