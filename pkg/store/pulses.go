package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pulse statuses.
const (
	PulsePending   = "pending"
	PulseRunning   = "running"
	PulseCompleted = "completed"
	PulseFailed    = "failed"
	PulseAborted   = "aborted"
)

// Pulse is one unit of execution work on its own branch. Pulses of a
// workflow serialize; at most one runs at a time.
type Pulse struct {
	ID             string
	WorkflowID     string
	Index          int
	Status         string
	Branch         string
	BaseCommit     string
	TipCommit      string
	RecoveryCommit string
	Summary        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PreflightSetup records the execution environment prepared before a
// workflow's first pulse.
type PreflightSetup struct {
	WorkflowID       string
	WorktreePath     string
	BaseBranch       string
	ApprovedCommands []string
	CreatedAt        time.Time
}

// CreatePulse inserts a pulse row.
func (s *Store) CreatePulse(ctx context.Context, p *Pulse) error {
	if p.ID == "" {
		p.ID = NewID("pulse")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = p.CreatedAt
	_, err := s.exec(ctx, `INSERT INTO pulses
		(id, workflow_id, pulse_index, status, branch, base_commit, tip_commit,
		 recovery_commit, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkflowID, p.Index, p.Status, p.Branch, p.BaseCommit,
		p.TipCommit, p.RecoveryCommit, p.Summary,
		encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create pulse: %w", err)
	}
	return nil
}

// UpdatePulse persists a pulse's mutable fields.
func (s *Store) UpdatePulse(ctx context.Context, p *Pulse) error {
	p.UpdatedAt = now()
	res, err := s.exec(ctx, `UPDATE pulses SET
		status = ?, branch = ?, base_commit = ?, tip_commit = ?,
		recovery_commit = ?, summary = ?, updated_at = ?
		WHERE id = ?`,
		p.Status, p.Branch, p.BaseCommit, p.TipCommit,
		p.RecoveryCommit, p.Summary, encodeTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("store: update pulse %s: %w", p.ID, err)
	}
	return requireAffected(res)
}

// GetPulse loads a pulse by id.
func (s *Store) GetPulse(ctx context.Context, id string) (*Pulse, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, pulse_index, status, branch,
		base_commit, tip_commit, recovery_commit, summary, created_at, updated_at
		FROM pulses WHERE id = ?`, id)
	return scanPulse(row)
}

// ListPulsesByWorkflow returns a workflow's pulses in ordinal order.
func (s *Store) ListPulsesByWorkflow(ctx context.Context, workflowID string) ([]*Pulse, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, pulse_index, status, branch,
		base_commit, tip_commit, recovery_commit, summary, created_at, updated_at
		FROM pulses WHERE workflow_id = ? ORDER BY pulse_index`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list pulses: %w", err)
	}
	defer rows.Close()

	var out []*Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRunningPulses returns every pulse still marked running, across
// workflows. Used during crash recovery.
func (s *Store) ListRunningPulses(ctx context.Context) ([]*Pulse, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, pulse_index, status, branch,
		base_commit, tip_commit, recovery_commit, summary, created_at, updated_at
		FROM pulses WHERE status = ? ORDER BY workflow_id, pulse_index`, PulseRunning)
	if err != nil {
		return nil, fmt.Errorf("store: list running pulses: %w", err)
	}
	defer rows.Close()

	var out []*Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NextPulseIndex returns the next free ordinal for a workflow.
func (s *Store) NextPulseIndex(ctx context.Context, workflowID string) (int, error) {
	var max sql.NullInt64
	err := s.queryRow(ctx, `SELECT MAX(pulse_index) FROM pulses WHERE workflow_id = ?`,
		workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next pulse index: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

func scanPulse(r rowScanner) (*Pulse, error) {
	var (
		p                Pulse
		created, updated string
	)
	err := r.Scan(&p.ID, &p.WorkflowID, &p.Index, &p.Status, &p.Branch,
		&p.BaseCommit, &p.TipCommit, &p.RecoveryCommit, &p.Summary,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan pulse: %w", err)
	}
	p.CreatedAt = decodeTime(created)
	p.UpdatedAt = decodeTime(updated)
	return &p, nil
}

// PutPreflightSetup inserts or replaces a workflow's preflight record.
func (s *Store) PutPreflightSetup(ctx context.Context, p *PreflightSetup) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	commands, err := json.Marshal(stringsOrEmpty(p.ApprovedCommands))
	if err != nil {
		return fmt.Errorf("store: marshal approved commands: %w", err)
	}
	if _, err := s.exec(ctx, `DELETE FROM preflight_setups WHERE workflow_id = ?`,
		p.WorkflowID); err != nil {
		return fmt.Errorf("store: replace preflight setup: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO preflight_setups
		(workflow_id, worktree_path, base_branch, approved_commands, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.WorkflowID, p.WorktreePath, p.BaseBranch, string(commands),
		encodeTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: put preflight setup: %w", err)
	}
	return nil
}

// GetPreflightSetup loads a workflow's preflight record.
func (s *Store) GetPreflightSetup(ctx context.Context, workflowID string) (*PreflightSetup, error) {
	var (
		p        PreflightSetup
		commands string
		created  string
	)
	err := s.queryRow(ctx, `SELECT workflow_id, worktree_path, base_branch,
		approved_commands, created_at
		FROM preflight_setups WHERE workflow_id = ?`, workflowID).
		Scan(&p.WorkflowID, &p.WorktreePath, &p.BaseBranch, &commands, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get preflight setup: %w", err)
	}
	if err := json.Unmarshal([]byte(commands), &p.ApprovedCommands); err != nil {
		return nil, fmt.Errorf("store: decode approved commands: %w", err)
	}
	p.CreatedAt = decodeTime(created)
	return &p, nil
}

// AddWorkflowApprovedCommand appends a normalized command fingerprint
// to a workflow's preflight allowlist.
func (s *Store) AddWorkflowApprovedCommand(ctx context.Context, workflowID, fingerprint string) error {
	p, err := s.GetPreflightSetup(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, existing := range p.ApprovedCommands {
		if existing == fingerprint {
			return nil
		}
	}
	p.ApprovedCommands = append(p.ApprovedCommands, fingerprint)
	commands, err := json.Marshal(p.ApprovedCommands)
	if err != nil {
		return fmt.Errorf("store: marshal approved commands: %w", err)
	}
	res, err := s.exec(ctx, `UPDATE preflight_setups SET approved_commands = ?
		WHERE workflow_id = ?`, string(commands), workflowID)
	if err != nil {
		return fmt.Errorf("store: add workflow approved command: %w", err)
	}
	return requireAffected(res)
}
