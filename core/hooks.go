package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// TransitionEvent describes one state change of a run. DB is the open
// migration transaction for in-transaction hooks and nil otherwise.
type TransitionEvent struct {
	RunID      string
	Mode       RunMode
	From       State
	To         State
	DB         bun.IDB
	OccurredAt time.Time
}

type TransitionHook interface {
	Name() string
	OnTransition(ctx context.Context, event TransitionEvent) error
}

// TransitionHookFunc adapts a function to TransitionHook.
type TransitionHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, event TransitionEvent) error
}

func (h TransitionHookFunc) Name() string {
	return h.HookName
}

func (h TransitionHookFunc) OnTransition(ctx context.Context, event TransitionEvent) error {
	if h.Fn == nil {
		return nil
	}
	return h.Fn(ctx, event)
}

type TransitionHookCoordinator struct {
	mu    sync.RWMutex
	inTx  []TransitionHook
	after []TransitionHook
}

func NewTransitionHookCoordinator() *TransitionHookCoordinator {
	return &TransitionHookCoordinator{
		inTx:  make([]TransitionHook, 0),
		after: make([]TransitionHook, 0),
	}
}

// RegisterInTx adds a hook executed inside the migration transaction after
// every forward transition. A hook error aborts the run.
func (c *TransitionHookCoordinator) RegisterInTx(hook TransitionHook) {
	if c == nil || hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = append(c.inTx, hook)
}

// RegisterAfter adds a hook executed once the run reached a terminal state.
func (c *TransitionHookCoordinator) RegisterAfter(hook TransitionHook) {
	if c == nil || hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = append(c.after, hook)
}

// ExecuteInTx runs strict hooks in registration order and returns the first
// failure.
func (c *TransitionHookCoordinator) ExecuteInTx(ctx context.Context, event TransitionEvent) error {
	for _, hook := range c.snapshot(false) {
		if err := hook.OnTransition(ctx, event); err != nil {
			return fmt.Errorf("core: transition hook %q failed at %s: %w", hookName(hook), event.To, err)
		}
	}
	return nil
}

// ExecuteAfter runs terminal hooks. Failures are aggregated for logging and
// never change the outcome of the run.
func (c *TransitionHookCoordinator) ExecuteAfter(ctx context.Context, event TransitionEvent) error {
	var hookErr error
	for _, hook := range c.snapshot(true) {
		if err := hook.OnTransition(ctx, event); err != nil {
			hookErr = errors.Join(hookErr, fmt.Errorf("terminal hook %q failed: %w", hookName(hook), err))
		}
	}
	return hookErr
}

func (c *TransitionHookCoordinator) snapshot(after bool) []TransitionHook {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	source := c.inTx
	if after {
		source = c.after
	}
	out := make([]TransitionHook, len(source))
	copy(out, source)
	return out
}

func hookName(hook TransitionHook) string {
	if hook == nil {
		return "unknown"
	}
	name := strings.TrimSpace(hook.Name())
	if name == "" {
		return "unnamed"
	}
	return name
}
