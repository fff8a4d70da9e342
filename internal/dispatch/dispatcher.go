// ABOUTME: Operation dispatcher applying input validation, ownership policy and audit recording
// ABOUTME: Single seam between the HTTP surface and whichever store mode is active

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/run-gateway/internal/audit"
	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/run"
	"github.com/2389/run-gateway/internal/store"
)

// Config controls dispatcher policy.
type Config struct {
	// Mode is recorded on audit entries and logs: "local" or "forwarding".
	Mode string

	// EnforceOwnership restricts get, cancel and stream to the run's
	// owner. Enabled together with request authentication.
	EnforceOwnership bool
}

// Dispatcher executes run operations against the active store, applying
// the same validation, ownership and audit policy in both modes.
type Dispatcher struct {
	store  store.Store
	ledger *audit.Ledger
	cfg    Config
	logger *slog.Logger
}

// New creates a dispatcher. ledger may be nil to disable audit recording.
func New(st store.Store, ledger *audit.Ledger, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  st,
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
	}
}

// Mode reports which store mode the dispatcher was built for.
func (d *Dispatcher) Mode() string {
	return d.cfg.Mode
}

// StartRun validates the input and creates the run. A caller-supplied
// owner is honored only while ownership enforcement is off; with
// enforcement on the authenticated identity is the owner, and a
// conflicting explicit owner is rejected.
func (d *Dispatcher) StartRun(ctx context.Context, input json.RawMessage, requestedOwner string, identity auth.Identity) (*run.Run, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", run.ErrInvalidInput)
	}

	owner := requestedOwner
	if d.cfg.EnforceOwnership {
		if requestedOwner != "" && requestedOwner != identity.Subject {
			return nil, fmt.Errorf("%w: owner may not differ from the authenticated identity", run.ErrInvalidInput)
		}
		owner = identity.Subject
	}

	r, err := d.store.StartRun(ctx, input, owner)
	if err != nil {
		d.logger.Error("start run failed", "error", err)
		return nil, err
	}
	d.record(ctx, identity, audit.ActionStartRun, r.ID, map[string]any{"owner": owner})
	return r, nil
}

// GetRun returns the run's current state to its owner.
func (d *Dispatcher) GetRun(ctx context.Context, id string, identity auth.Identity) (*run.Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: run id required", run.ErrInvalidInput)
	}
	r, err := d.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.authorize(r, identity); err != nil {
		return nil, err
	}
	return r, nil
}

// CancelRun cancels a run. With ownership enforcement on, the run is
// fetched first so a non-owner is refused before any state changes.
func (d *Dispatcher) CancelRun(ctx context.Context, id string, identity auth.Identity) (*run.Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: run id required", run.ErrInvalidInput)
	}
	if d.cfg.EnforceOwnership {
		current, err := d.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.authorize(current, identity); err != nil {
			return nil, err
		}
	}

	r, err := d.store.CancelRun(ctx, id)
	if err != nil {
		d.logger.Error("cancel run failed", "run_id", id, "error", err)
		return nil, err
	}
	d.record(ctx, identity, audit.ActionCancelRun, id, map[string]any{"status": string(r.Status)})
	return r, nil
}

// StreamRun opens the run's event subscription for its owner.
func (d *Dispatcher) StreamRun(ctx context.Context, id string, identity auth.Identity) (*store.Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: run id required", run.ErrInvalidInput)
	}
	if d.cfg.EnforceOwnership {
		current, err := d.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.authorize(current, identity); err != nil {
			return nil, err
		}
	}

	sub, err := d.store.WatchRun(ctx, id)
	if err != nil {
		return nil, err
	}
	d.record(ctx, identity, audit.ActionStreamRun, id, nil)
	return sub, nil
}

// authorize refuses access to a run owned by someone else. Runs without
// a recorded owner stay accessible: the absence of ownership is not
// proof of a mismatch.
func (d *Dispatcher) authorize(r *run.Run, identity auth.Identity) error {
	if !d.cfg.EnforceOwnership {
		return nil
	}
	if r.Owner == "" || r.Owner == identity.Subject {
		return nil
	}
	d.logger.Warn("ownership check refused access",
		"run_id", r.ID, "owner", r.Owner, "subject", identity.Subject)
	return fmt.Errorf("%w: run %s belongs to another identity", run.ErrForbidden, r.ID)
}

// record appends an audit entry. Audit failures are logged and dropped;
// they never fail the request that triggered them.
func (d *Dispatcher) record(ctx context.Context, identity auth.Identity, action audit.Action, runID string, detail map[string]any) {
	if d.ledger == nil {
		return
	}
	entry := &audit.Entry{
		Actor:  identity.Subject,
		Action: action,
		RunID:  runID,
		Mode:   d.cfg.Mode,
		Detail: detail,
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("audit append failed", "action", string(action), "run_id", runID, "error", err)
	}
}
