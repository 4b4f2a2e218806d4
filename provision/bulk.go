package provision

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"

	"github.com/enVId-tech/craftd/system"
)

// BulkAction is one of the operations that can be fanned out across a set of
// servers.
type BulkAction string

const (
	BulkActionStart   BulkAction = "start"
	BulkActionStop    BulkAction = "stop"
	BulkActionRestart BulkAction = "restart"
	BulkActionDelete  BulkAction = "delete"
)

func (a BulkAction) IsValid() bool {
	switch a {
	case BulkActionStart, BulkActionStop, BulkActionRestart, BulkActionDelete:
		return true
	}
	return false
}

// BulkItemResult is the outcome for a single server within a bulk operation.
type BulkItemResult struct {
	ServerID string `json:"server_id"`
	Success  bool   `json:"success"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BulkResult aggregates a finished (or cancelled) bulk operation.
type BulkResult struct {
	OperationID string           `json:"operation_id"`
	Action      BulkAction       `json:"action"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	Cancelled   bool             `json:"cancelled"`
	Items       []BulkItemResult `json:"items"`
}

// bulkWorkers bounds how many servers a single bulk operation touches at
// once, keeping a large fleet action from saturating the orchestrator.
const bulkWorkers = 4

// BulkRegistry tracks in-flight bulk operations so they can be cancelled.
type BulkRegistry struct {
	mu  sync.Mutex
	ops map[string]*system.AtomicBool
}

func NewBulkRegistry() *BulkRegistry {
	return &BulkRegistry{ops: make(map[string]*system.AtomicBool)}
}

func (r *BulkRegistry) register(id string) *system.AtomicBool {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag := system.NewAtomicBool(false)
	r.ops[id] = flag
	return flag
}

func (r *BulkRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

// Cancel aborts an in-flight operation. Servers already being processed run
// to completion; anything not yet started is skipped.
func (r *BulkRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag, ok := r.ops[id]
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

// RunBulk applies one action to every listed server. Each item is fully
// isolated: a failure is recorded and the remaining servers still run. The
// call blocks until every item has been processed or skipped.
func (o *Orchestrator) RunBulk(ctx context.Context, reg *BulkRegistry, action BulkAction, serverIDs []string) (*BulkResult, error) {
	if !action.IsValid() {
		return nil, NewValidationError("%q is not a supported bulk action", action)
	}

	opID := uuid.New().String()
	abort := reg.register(opID)
	defer reg.remove(opID)

	l := log.WithFields(log.Fields{"operation": opID, "action": action, "servers": len(serverIDs)})
	l.Info("starting bulk operation")

	var mu sync.Mutex
	items := make([]BulkItemResult, 0, len(serverIDs))

	pool := workerpool.New(bulkWorkers)
	for _, id := range serverIDs {
		id := id
		pool.Submit(func() {
			item := BulkItemResult{ServerID: id}
			if abort.Load() || ctx.Err() != nil {
				item.Skipped = true
			} else if err := o.applyBulkAction(ctx, action, id); err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
			}
			mu.Lock()
			items = append(items, item)
			mu.Unlock()
		})
	}
	pool.StopWait()

	res := &BulkResult{OperationID: opID, Action: action, Cancelled: abort.Load(), Items: items}
	for _, it := range items {
		if it.Success {
			res.Successful++
		} else if !it.Skipped {
			res.Failed++
		}
	}
	l.WithFields(log.Fields{"successful": res.Successful, "failed": res.Failed}).Info("finished bulk operation")
	return res, nil
}

func (o *Orchestrator) applyBulkAction(ctx context.Context, action BulkAction, id string) error {
	switch action {
	case BulkActionStart:
		return o.StartServer(ctx, id)
	case BulkActionStop:
		return o.StopServer(ctx, id)
	case BulkActionRestart:
		return o.RestartServer(ctx, id)
	case BulkActionDelete:
		res, err := o.DeleteServer(ctx, id, DeleteOptions{})
		if err != nil {
			return err
		}
		if res.Failed() {
			return NewValidationError("decommission completed with errors: %v", res.Errors)
		}
		return nil
	}
	return NewValidationError("%q is not a supported bulk action", action)
}
