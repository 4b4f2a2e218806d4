package proxy

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	. "github.com/franela/goblin"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
)

func setProbeConfig(t *testing.T, timeout time.Duration) {
	c, err := config.NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
	if err != nil {
		t.Fatalf("failed to build test configuration: %s", err)
	}
	c.Fleet.Environment = "test"
	c.Fleet.ProbeTimeout = timeout
	config.Set(c)
}

func TestMonitor_Overall(t *testing.T) {
	g := Goblin(t)

	g.Describe("fleet health aggregation", func() {
		g.It("reports unhealthy when no proxies are enabled", func() {
			g.Assert(overall(nil)).Equal(FleetUnhealthy)
		})

		g.It("reports unhealthy when every probe failed", func() {
			g.Assert(overall([]ProxyHealth{
				{Status: HealthUnhealthy},
				{Status: HealthUnhealthy},
			})).Equal(FleetUnhealthy)
		})

		g.It("reports degraded on partial failure", func() {
			g.Assert(overall([]ProxyHealth{
				{Status: HealthHealthy},
				{Status: HealthUnhealthy},
			})).Equal(FleetDegraded)
		})

		g.It("reports healthy when every probe succeeded", func() {
			g.Assert(overall([]ProxyHealth{
				{Status: HealthHealthy},
				{Status: HealthHealthy},
			})).Equal(FleetHealthy)
		})
	})
}

func TestMonitor_WithDefaultPort(t *testing.T) {
	g := Goblin(t)

	g.Describe("probe address normalization", func() {
		g.It("appends the game port when the address has none", func() {
			g.Assert(withDefaultPort("velocity-1")).Equal("velocity-1:25565")
		})

		g.It("keeps an explicit port", func() {
			g.Assert(withDefaultPort("velocity-1:25577")).Equal("velocity-1:25577")
		})
	})
}

func TestMonitor_Probe(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Monitor#probe", func() {
		g.BeforeEach(func() {
			setProbeConfig(t, time.Millisecond*250)
		})

		g.It("reports healthy for a reachable TCP listener", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			g.Assert(err).IsNil()
			defer ln.Close()

			m := NewMonitor(NewRegistry(newProxyTestDB(t), &scanEnv{}), nil)
			h := m.probe(ctx, &models.ProxyInstance{
				UUID:    "p1",
				Name:    "velocity-1",
				Type:    "velocity",
				Address: ln.Addr().String(),
			})
			g.Assert(h.Status).Equal(HealthHealthy)
		})

		g.It("reports unhealthy with detail when nothing listens", func() {
			// Reserve a port, then close it so the dial is refused.
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			g.Assert(err).IsNil()
			addr := ln.Addr().String()
			g.Assert(ln.Close()).IsNil()

			m := NewMonitor(NewRegistry(newProxyTestDB(t), &scanEnv{}), nil)
			h := m.probe(ctx, &models.ProxyInstance{
				UUID:    "p1",
				Name:    "velocity-1",
				Type:    "velocity",
				Address: addr,
			})
			g.Assert(h.Status).Equal(HealthUnhealthy)
			g.Assert(len(h.Details) > 0).IsTrue()
		})

		g.It("reports unhealthy for an unknown proxy type", func() {
			m := NewMonitor(NewRegistry(newProxyTestDB(t), &scanEnv{}), nil)
			h := m.probe(ctx, &models.ProxyInstance{UUID: "p1", Type: "haproxy"})
			g.Assert(h.Status).Equal(HealthUnhealthy)
		})
	})
}

func TestMonitor_CheckAll(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Monitor#CheckAll", func() {
		g.BeforeEach(func() {
			setProbeConfig(t, time.Millisecond*250)
		})

		g.It("probes enabled proxies and records their health", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			g.Assert(err).IsNil()
			defer ln.Close()

			r := NewRegistry(newProxyTestDB(t), &scanEnv{})
			reachable := &models.ProxyInstance{Name: "v1", Type: "velocity", Address: ln.Addr().String(), Enabled: true}
			disabled := &models.ProxyInstance{Name: "v2", Type: "velocity", Address: "198.51.100.1:1", Enabled: false}
			_, err = r.Upsert(ctx, reachable)
			g.Assert(err).IsNil()
			_, err = r.Upsert(ctx, disabled)
			g.Assert(err).IsNil()

			report, err := NewMonitor(r, nil).CheckAll(ctx)
			g.Assert(err).IsNil()
			g.Assert(report.Overall).Equal(FleetHealthy)
			g.Assert(len(report.PerProxy)).Equal(1)
			g.Assert(report.PerProxy[0].ProxyUUID).Equal(reachable.UUID)

			got, err := r.Find(ctx, reachable.UUID)
			g.Assert(err).IsNil()
			g.Assert(got.Health).Equal(HealthHealthy)
		})

		g.It("serves a cached report on repeated calls", func() {
			r := NewRegistry(newProxyTestDB(t), &scanEnv{})
			m := NewMonitor(r, nil)

			first, err := m.CheckAll(ctx)
			g.Assert(err).IsNil()

			p := &models.ProxyInstance{Name: "v1", Type: "velocity", Address: "198.51.100.1:1", Enabled: true}
			_, err = r.Upsert(ctx, p)
			g.Assert(err).IsNil()

			second, err := m.CheckAll(ctx)
			g.Assert(err).IsNil()
			g.Assert(second.Checked.Equal(first.Checked)).IsTrue()
			g.Assert(len(second.PerProxy)).Equal(0)
		})
	})
}
