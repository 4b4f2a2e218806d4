package provision

import (
	"context"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// UndoKind identifies the resource class an undo action compensates for.
type UndoKind string

const (
	// UndoReleasePort frees an allocated port pair.
	UndoReleasePort UndoKind = "release-port"
	// UndoRemoteDirectory deletes a directory created on the file store.
	UndoRemoteDirectory UndoKind = "remote-directory"
	// UndoRecord deletes the persisted server record.
	UndoRecord UndoKind = "record"
)

// UndoAction is a small value-typed descriptor of a compensating step,
// captured at the moment its forward step succeeds. Descriptors carry only
// identifiers, never closures, so a ledger can be inspected and its
// interpretation tested independent of the forward workflow.
type UndoAction struct {
	Kind UndoKind
	// Identifier is the resource identifier the compensator needs: a file
	// store path, a server UUID, or the port number rendered by the caller.
	Identifier string
	// Environment scopes port releases.
	Environment string
	Port        int
}

// CompensatorFunc undoes every action of a single kind. Compensators must be
// idempotent: the same action may be re-run if an earlier attempt partially
// failed.
type CompensatorFunc func(ctx context.Context, action UndoAction) error

// Ledger is the ordered list of compensating actions accumulated during a
// provisioning saga. During the saga the ledger, not the database, is the
// source of truth for what has to be cleaned up.
type Ledger struct {
	actions []UndoAction
}

// Register appends a compensating action. Call this immediately after the
// forward step it compensates for has succeeded.
func (l *Ledger) Register(a UndoAction) {
	l.actions = append(l.actions, a)
}

// Len returns the number of registered actions.
func (l *Ledger) Len() int {
	return len(l.actions)
}

// Actions returns a copy of the registered actions in registration order.
func (l *Ledger) Actions() []UndoAction {
	out := make([]UndoAction, len(l.actions))
	copy(out, l.actions)
	return out
}

// Compensate executes the registered actions in reverse registration order.
// A failing compensation is logged and collected but never stops the
// remaining compensations from running; the caller appends the returned
// errors to its response so an operator can reconcile manually.
func (l *Ledger) Compensate(ctx context.Context, compensators map[UndoKind]CompensatorFunc) []error {
	var failed []error
	for i := len(l.actions) - 1; i >= 0; i-- {
		a := l.actions[i]
		fn, ok := compensators[a.Kind]
		if !ok {
			failed = append(failed, errors.Errorf("rollback: no compensator registered for kind %q", a.Kind))
			continue
		}
		log.WithFields(log.Fields{
			"kind":       a.Kind,
			"identifier": a.Identifier,
		}).Warn("executing rollback action")
		if err := fn(ctx, a); err != nil {
			log.WithFields(log.Fields{
				"kind":       a.Kind,
				"identifier": a.Identifier,
				"error":      err,
			}).Error("rollback action failed, continuing with remaining compensations")
			failed = append(failed, errors.WrapIff(err, "rollback: %s %q failed", a.Kind, a.Identifier))
		}
	}
	return failed
}
