package provision

import (
	"context"
	"fmt"
	"testing"

	. "github.com/franela/goblin"
)

func TestOrchestrator_RunBulk(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Orchestrator#RunBulk", func() {
		var h *harness
		var reg *BulkRegistry

		g.BeforeEach(func() {
			h = newHarness(t)
			reg = NewBulkRegistry()
		})

		g.It("rejects unknown actions", func() {
			_, err := h.orch.RunBulk(ctx, reg, BulkAction("explode"), []string{"a"})
			g.Assert(IsValidationError(err)).IsTrue()
		})

		g.It("isolates failures to their own item", func() {
			var ids []string
			for i := 0; i < 4; i++ {
				req := validRequest()
				req.Name = fmt.Sprintf("World %d", i)
				res, err := h.orch.CreateServer(ctx, "alice", req)
				g.Assert(err).IsNil()
				ids = append(ids, res.ServerID)
			}
			ids = append(ids, "does-not-exist")

			res, err := h.orch.RunBulk(ctx, reg, BulkActionStart, ids)
			g.Assert(err).IsNil()
			g.Assert(res.Successful).Equal(4)
			g.Assert(res.Failed).Equal(1)
			g.Assert(len(res.Items)).Equal(5)
			g.Assert(res.Cancelled).IsFalse()
		})

		g.It("deletes a batch of servers", func() {
			res1, err := h.orch.CreateServer(ctx, "alice", validRequest())
			g.Assert(err).IsNil()

			req := validRequest()
			req.Name = "Creative World"
			res2, err := h.orch.CreateServer(ctx, "alice", req)
			g.Assert(err).IsNil()

			res, err := h.orch.RunBulk(ctx, reg, BulkActionDelete, []string{res1.ServerID, res2.ServerID})
			g.Assert(err).IsNil()
			g.Assert(res.Successful).Equal(2)
			g.Assert(res.Failed).Equal(0)

			rows, _ := h.ports.Usage(ctx, "test")
			g.Assert(len(rows)).Equal(0)
		})

		g.It("reports false when cancelling an unknown operation", func() {
			g.Assert(reg.Cancel("nope")).IsFalse()
		})
	})
}
