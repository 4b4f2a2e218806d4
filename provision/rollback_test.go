package provision

import (
	"context"
	"testing"

	"emperror.dev/errors"
	. "github.com/franela/goblin"
)

func TestLedger(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Ledger#Compensate", func() {
		g.It("executes actions in reverse registration order", func() {
			l := &Ledger{}
			l.Register(UndoAction{Kind: UndoReleasePort, Identifier: "25565"})
			l.Register(UndoAction{Kind: UndoRemoteDirectory, Identifier: "/servers/abc"})
			l.Register(UndoAction{Kind: UndoRecord, Identifier: "abc"})

			var order []UndoKind
			track := func(ctx context.Context, a UndoAction) error {
				order = append(order, a.Kind)
				return nil
			}
			failed := l.Compensate(ctx, map[UndoKind]CompensatorFunc{
				UndoReleasePort:     track,
				UndoRemoteDirectory: track,
				UndoRecord:          track,
			})
			g.Assert(len(failed)).Equal(0)
			g.Assert(order).Equal([]UndoKind{UndoRecord, UndoRemoteDirectory, UndoReleasePort})
		})

		g.It("continues past a failing compensation", func() {
			l := &Ledger{}
			l.Register(UndoAction{Kind: UndoReleasePort, Identifier: "25565"})
			l.Register(UndoAction{Kind: UndoRemoteDirectory, Identifier: "/servers/abc"})

			var released bool
			failed := l.Compensate(ctx, map[UndoKind]CompensatorFunc{
				UndoReleasePort: func(ctx context.Context, a UndoAction) error {
					released = true
					return nil
				},
				UndoRemoteDirectory: func(ctx context.Context, a UndoAction) error {
					return errors.New("remote store is down")
				},
			})
			g.Assert(len(failed)).Equal(1)
			g.Assert(released).IsTrue()
		})

		g.It("collects an error for unknown action kinds", func() {
			l := &Ledger{}
			l.Register(UndoAction{Kind: UndoKind("mystery"), Identifier: "x"})
			failed := l.Compensate(ctx, map[UndoKind]CompensatorFunc{})
			g.Assert(len(failed)).Equal(1)
		})

		g.It("exposes registered actions without mutation", func() {
			l := &Ledger{}
			l.Register(UndoAction{Kind: UndoRecord, Identifier: "abc"})
			actions := l.Actions()
			actions[0].Identifier = "tampered"
			g.Assert(l.Actions()[0].Identifier).Equal("abc")
			g.Assert(l.Len()).Equal(1)
		})
	})
}
