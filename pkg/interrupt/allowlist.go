package interrupt

import (
	"context"
	"errors"
	"sync"

	"github.com/autarch-dev/autarch/pkg/store"
)

// Allowlist scopes, from narrowest to widest.
const (
	ScopeSession  = "session"
	ScopeWorkflow = "workflow"
	ScopeProject  = "project"
)

// Allowlist answers whether a shell command is pre-approved. Matching
// is exact after normalization; no wildcard or regex mode. Lookup
// order is session, then workflow preflight, then project.
type Allowlist struct {
	mu      sync.Mutex
	session map[string]struct{}

	workflowID string
	db         *store.Store
}

// NewAllowlist creates an allowlist for one session of a workflow.
// db may be nil in tests, limiting the list to session scope.
func NewAllowlist(db *store.Store, workflowID string) *Allowlist {
	return &Allowlist{
		session:    make(map[string]struct{}),
		workflowID: workflowID,
		db:         db,
	}
}

// Allowed reports whether the normalized command is approved in any
// scope.
func (a *Allowlist) Allowed(ctx context.Context, command string) (bool, error) {
	fp := Normalize(command)

	a.mu.Lock()
	_, ok := a.session[fp]
	a.mu.Unlock()
	if ok {
		return true, nil
	}
	if a.db == nil {
		return false, nil
	}

	setup, err := a.db.GetPreflightSetup(ctx, a.workflowID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if setup != nil {
		for _, approved := range setup.ApprovedCommands {
			if approved == fp {
				return true, nil
			}
		}
	}

	project, err := a.db.ListProjectCommands(ctx)
	if err != nil {
		return false, err
	}
	for _, approved := range project {
		if approved == fp {
			return true, nil
		}
	}
	return false, nil
}

// Remember adds the normalized command to the session scope, and to
// the workflow and project scopes when requested. Approve-with-remember
// always joins session and workflow; persistForProject adds project.
func (a *Allowlist) Remember(ctx context.Context, command string, persistForProject bool) error {
	fp := Normalize(command)

	a.mu.Lock()
	a.session[fp] = struct{}{}
	a.mu.Unlock()

	if a.db == nil {
		return nil
	}
	if err := a.db.AddWorkflowApprovedCommand(ctx, a.workflowID, fp); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		return err
	}
	if persistForProject {
		return a.db.AddProjectCommand(ctx, fp)
	}
	return nil
}
