// Package interrupt brokers pause points between a running turn and
// the user: shell approvals, credential prompts, and question sets.
//
// The broker is process-local. Interrupts die with the process; on
// restart, sessions left active by a previous process surface their
// interrupts as cancelled.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autarch-dev/autarch/pkg/store"
)

// Interrupt kinds.
const (
	KindShellApproval = "shell_approval"
	KindCredential    = "credential"
	KindQuestions     = "questions"
)

// Resolution outcomes.
const (
	OutcomeApproved   = "approved"
	OutcomeDenied     = "denied"
	OutcomeCredential = "credential"
	OutcomeAnswers    = "answers"
	OutcomeCancelled  = "cancelled"
)

// ErrCancelled is returned by Future.Wait when the interrupt was
// cancelled with its session or turn.
var ErrCancelled = errors.New("interrupt: cancelled")

// ErrUnknownID is returned by Resolve for an id the broker never saw.
var ErrUnknownID = errors.New("interrupt: unknown id")

// ErrAlreadyResolved is returned by Resolve when the interrupt has
// already been completed.
var ErrAlreadyResolved = errors.New("interrupt: already resolved")

// Question is one entry of a question-set interrupt.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Pending describes an unresolved interrupt.
type Pending struct {
	ID         string
	Kind       string
	WorkflowID string
	SessionID  string
	TurnID     string
	AgentRole  string

	// Kind-specific payload.
	Command   string
	Reason    string
	Prompt    string
	Questions []Question

	RaisedAt time.Time
}

// Resolution carries the user's answer to an interrupt.
type Resolution struct {
	Outcome           string
	Reason            string
	Remember          bool
	PersistForProject bool
	Credential        string
	Answers           map[string]string
	Comment           string
}

// Future resolves exactly once with the interrupt's resolution.
type Future struct {
	id string
	ch chan Resolution
}

// ID returns the interrupt id.
func (f *Future) ID() string { return f.id }

// Wait blocks until the interrupt is resolved, the context ends, or
// the interrupt is cancelled.
func (f *Future) Wait(ctx context.Context) (Resolution, error) {
	select {
	case res := <-f.ch:
		if res.Outcome == OutcomeCancelled {
			return res, ErrCancelled
		}
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

type pendingEntry struct {
	info   Pending
	future *Future
}

// Broker registers interrupts and completes their futures on
// resolution. The mutex guards the map only; futures complete outside
// the lock through their buffered channels.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pendingEntry)}
}

// Register records a pending interrupt and returns its future. The id
// is assigned when empty.
func (b *Broker) Register(p Pending) *Future {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.ID == "" {
		p.ID = store.NewID("apr")
	}
	if p.RaisedAt.IsZero() {
		p.RaisedAt = time.Now()
	}
	f := &Future{id: p.ID, ch: make(chan Resolution, 1)}
	b.pending[p.ID] = &pendingEntry{info: p, future: f}
	return f
}

// Resolve completes a pending interrupt. It reports ErrUnknownID or
// ErrAlreadyResolved when the id cannot be resolved.
func (b *Broker) Resolve(id string, res Resolution) (Pending, error) {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	select {
	case entry.future.ch <- res:
		return entry.info, nil
	default:
		return entry.info, ErrAlreadyResolved
	}
}

// Get returns a pending interrupt by id.
func (b *Broker) Get(id string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[id]
	if !ok {
		return Pending{}, false
	}
	return entry.info, true
}

// List returns all pending interrupts in raise order.
func (b *Broker) List() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, entry.info)
	}
	sortPending(out)
	return out
}

// CancelSession cancels every pending interrupt of a session and
// returns the cancelled entries.
func (b *Broker) CancelSession(sessionID string) []Pending {
	b.mu.Lock()
	var cancelled []*pendingEntry
	for id, entry := range b.pending {
		if entry.info.SessionID == sessionID {
			cancelled = append(cancelled, entry)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	out := make([]Pending, 0, len(cancelled))
	for _, entry := range cancelled {
		select {
		case entry.future.ch <- Resolution{Outcome: OutcomeCancelled}:
		default:
		}
		out = append(out, entry.info)
	}
	sortPending(out)
	return out
}

func sortPending(ps []Pending) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].RaisedAt.Before(ps[j-1].RaisedAt); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// Normalize canonicalizes a shell command for allowlist matching:
// trim, then collapse internal whitespace runs to single spaces.
func Normalize(command string) string {
	return strings.Join(strings.Fields(command), " ")
}
