package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/synapsehq/synapse/internal/todo"
)

const reminderHeader = "[System Reminder]"

// TodoReminder watches the todo store and produces a reminder when the
// model tries to stop with work outstanding. It supplies text only; the
// loop decides whether to inject it as a synthetic user message.
//
// Incomplete items are the primary condition: the first stop attempt
// with outstanding work is always reminded. After that the reminder
// stays quiet until the list has gone staleThreshold further turns
// without an update; any store change re-arms it immediately.
type TodoReminder struct {
	mu                   sync.Mutex
	store                *todo.Store
	staleThreshold       int
	turnsSinceLastUpdate int
	reminded             bool
	unsubscribe          func()
}

// NewTodoReminder creates a reminder over the store. staleThreshold is
// the number of turns without a todo update before an already-reminded
// list counts as stale again; values below 1 are clamped to 1.
func NewTodoReminder(store *todo.Store, staleThreshold int) *TodoReminder {
	if staleThreshold < 1 {
		staleThreshold = 1
	}
	r := &TodoReminder{store: store, staleThreshold: staleThreshold}
	r.unsubscribe = store.Subscribe(func() {
		r.mu.Lock()
		r.turnsSinceLastUpdate = 0
		r.reminded = false
		r.mu.Unlock()
	})
	return r
}

// TurnCompleted advances the staleness counter. Called once per loop turn.
func (r *TodoReminder) TurnCompleted() {
	r.mu.Lock()
	r.turnsSinceLastUpdate++
	r.mu.Unlock()
}

// Check returns a reminder listing the pending items when at least one
// item is incomplete and the list is due a nudge: either it has never
// been reminded since its last update, or it has gone stale since the
// previous reminder.
func (r *TodoReminder) Check() (reminder string, shouldRemind bool) {
	incomplete := r.store.Incomplete()
	if len(incomplete) == 0 {
		return "", false
	}

	r.mu.Lock()
	due := !r.reminded || r.turnsSinceLastUpdate >= r.staleThreshold
	if due {
		r.reminded = true
		r.turnsSinceLastUpdate = 0
	}
	r.mu.Unlock()
	if !due {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s You have %d incomplete todo item(s):\n", reminderHeader, len(incomplete))
	for _, item := range incomplete {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Status, item.Content)
	}
	b.WriteString("Continue working through the list, or update it with todo_write if it no longer applies.")
	return b.String(), true
}

// Close detaches the reminder from the store.
func (r *TodoReminder) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}
