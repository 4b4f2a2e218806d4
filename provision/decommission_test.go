package provision

import (
	"context"
	"strings"
	"testing"

	"emperror.dev/errors"
	. "github.com/franela/goblin"

	"github.com/enVId-tech/craftd/dns"
	"github.com/enVId-tech/craftd/internal/models"
)

func TestOrchestrator_DeleteServer(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Orchestrator#DeleteServer", func() {
		var h *harness
		var serverID string

		g.BeforeEach(func() {
			h = newHarness(t)
			res, err := h.orch.CreateServer(ctx, "alice", validRequest())
			g.Assert(err).IsNil()
			serverID = res.ServerID
			g.Assert(h.orch.StartServer(ctx, serverID)).IsNil()
		})

		g.It("removes every resource and the record", func() {
			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsFalse()

			_, err = h.orch.FindByID(ctx, serverID)
			g.Assert(err).IsNotNil()

			rows, _ := h.ports.Usage(ctx, "test")
			g.Assert(len(rows)).Equal(0)
			g.Assert(len(h.env.containers)).Equal(0)
			g.Assert(len(h.store.dirs)).Equal(0)
		})

		g.It("treats a missing container as a warning, not a failure", func() {
			g.Assert(h.env.Remove(ctx, "mc-"+serverID, true, true)).IsNil()

			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsFalse()
			g.Assert(len(res.Warnings) > 0).IsTrue()

			_, err = h.orch.FindByID(ctx, serverID)
			g.Assert(err).IsNotNil()
		})

		g.It("keeps the record when a step errors", func() {
			h.store.deleteErr = errors.New("store offline")

			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsTrue()

			_, err = h.orch.FindByID(ctx, serverID)
			g.Assert(err).IsNil()
		})

		g.It("cleans up matching DNS records including the SRV form", func() {
			h.dns.records = []dns.Record{
				{ID: "1", Type: "A", Name: "survival-world.example.com"},
				{ID: "2", Type: "SRV", Name: "_minecraft._tcp.survival-world.example.com"},
				{ID: "3", Type: "A", Name: "unrelated.example.com"},
			}
			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsFalse()
			g.Assert(h.dns.deleted).Equal([]string{"1", "2"})
			g.Assert(h.dns.srvDeleted).Equal([]string{"survival-world"})
		})

		g.It("records a warning when no DNS records exist for the subdomain", func() {
			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsFalse()

			found := false
			for _, w := range res.Warnings {
				if strings.Contains(w, "no dns records found") {
					found = true
				}
			}
			g.Assert(found).IsTrue()
			g.Assert(len(h.dns.deleted)).Equal(0)
		})

		g.It("writes an archive before deleting files when asked", func() {
			res, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{ArchiveFiles: true})
			g.Assert(err).IsNil()
			g.Assert(res.Failed()).IsFalse()
			g.Assert(strings.HasSuffix(res.Archive, ".tar.gz")).IsTrue()
		})

		g.It("supersedes the proxy binding row", func() {
			g.Assert(h.db.Create(&models.ServerProxyBinding{
				ServerUUID: serverID,
				Strategy:   "priority",
			}).Error).IsNil()

			_, err := h.orch.DeleteServer(ctx, serverID, DeleteOptions{})
			g.Assert(err).IsNil()

			var count int64
			h.db.Model(&models.ServerProxyBinding{}).Where("server_uuid = ?", serverID).Count(&count)
			g.Assert(int(count)).Equal(0)
		})
	})
}
