package proxy

import (
	"context"
	"io"
	"testing"

	. "github.com/franela/goblin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/enVId-tech/craftd/environment"
	"github.com/enVId-tech/craftd/internal/models"
)

// scanEnv is an orchestrator stub whose Scan returns a fixed container set.
type scanEnv struct {
	containers []environment.Container
	restarted  []string
	stopped    []string
	started    []string
}

func (s *scanEnv) Ping(ctx context.Context) error          { return nil }
func (s *scanEnv) EnsureNetwork(ctx context.Context) error { return nil }
func (s *scanEnv) FindByIdentifier(ctx context.Context, identifier string) (*environment.Container, error) {
	for _, c := range s.containers {
		if c.Name == identifier {
			return &c, nil
		}
	}
	return nil, environment.ErrContainerNotFound
}
func (s *scanEnv) Create(ctx context.Context, spec environment.ContainerSpec) (string, error) {
	return spec.Identifier, nil
}
func (s *scanEnv) Start(ctx context.Context, identifier string) error {
	s.started = append(s.started, identifier)
	return nil
}
func (s *scanEnv) Stop(ctx context.Context, identifier string) error {
	s.stopped = append(s.stopped, identifier)
	return nil
}
func (s *scanEnv) Restart(ctx context.Context, identifier string) error {
	s.restarted = append(s.restarted, identifier)
	return nil
}
func (s *scanEnv) Remove(ctx context.Context, identifier string, force bool, removeVolumes bool) error {
	return nil
}
func (s *scanEnv) Execute(ctx context.Context, identifier string, cmd []string) (string, error) {
	return "", nil
}
func (s *scanEnv) Archive(ctx context.Context, identifier string, path string) (io.ReadCloser, error) {
	return nil, environment.ErrContainerNotFound
}
func (s *scanEnv) Scan(ctx context.Context, labels map[string]string) ([]environment.Container, error) {
	return s.containers, nil
}

func newProxyTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("failed to open test database: %s", err)
	}
	if err := db.AutoMigrate(&models.ProxyInstance{}, &models.ServerProxyBinding{}, &models.ServerInstance{}); err != nil {
		t.Fatalf("failed to migrate test database: %s", err)
	}
	return db
}

func proxyContainer(id string, name string, typ string) environment.Container {
	return environment.Container{
		ID:    id,
		Name:  name,
		State: "running",
		Labels: map[string]string{
			"craftd.proxy": typ,
		},
	}
}

func TestRegistry_ScanAndRegister(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Registry#ScanAndRegister", func() {
		var env *scanEnv
		var r *Registry

		g.BeforeEach(func() {
			env = &scanEnv{}
			r = NewRegistry(newProxyTestDB(t), env)
		})

		g.It("registers new proxies disabled with unknown health", func() {
			env.containers = []environment.Container{proxyContainer("c1", "velocity-1", "velocity")}

			res, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()
			g.Assert(res.Discovered).Equal(1)
			g.Assert(res.Registered).Equal(1)

			proxies, err := r.List(ctx, Filter{})
			g.Assert(err).IsNil()
			g.Assert(len(proxies)).Equal(1)
			g.Assert(proxies[0].Enabled).IsFalse()
			g.Assert(proxies[0].Health).Equal(HealthUnknown)
			g.Assert(proxies[0].Type).Equal("velocity")
		})

		g.It("collects errors for unknown container types without aborting", func() {
			env.containers = []environment.Container{
				proxyContainer("c1", "velocity-1", "velocity"),
				proxyContainer("c2", "mystery-1", "traefik"),
			}

			res, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()
			g.Assert(res.Registered).Equal(1)
			g.Assert(len(res.Errors)).Equal(1)
		})

		g.It("does not register the same container twice", func() {
			env.containers = []environment.Container{proxyContainer("c1", "velocity-1", "velocity")}

			_, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()
			res, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()
			g.Assert(res.Registered).Equal(0)

			proxies, _ := r.List(ctx, Filter{})
			g.Assert(len(proxies)).Equal(1)
		})

		g.It("marks vanished proxies unhealthy but never deletes them", func() {
			env.containers = []environment.Container{proxyContainer("c1", "velocity-1", "velocity")}
			_, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()

			env.containers = nil
			_, err = r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()

			proxies, _ := r.List(ctx, Filter{})
			g.Assert(len(proxies)).Equal(1)
			g.Assert(proxies[0].Health).Equal(HealthUnhealthy)
		})

		g.It("restores unknown health when a vanished proxy reappears", func() {
			env.containers = []environment.Container{proxyContainer("c1", "velocity-1", "velocity")}
			_, _ = r.ScanAndRegister(ctx, "test")
			env.containers = nil
			_, _ = r.ScanAndRegister(ctx, "test")
			env.containers = []environment.Container{proxyContainer("c1", "velocity-1", "velocity")}
			_, err := r.ScanAndRegister(ctx, "test")
			g.Assert(err).IsNil()

			proxies, _ := r.List(ctx, Filter{})
			g.Assert(proxies[0].Health).Equal(HealthUnknown)
		})
	})
}

func TestRegistry_Statistics(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Registry#Statistics", func() {
		g.It("aggregates counts by type and health", func() {
			r := NewRegistry(newProxyTestDB(t), &scanEnv{})

			for _, p := range []models.ProxyInstance{
				{Name: "v1", Type: "velocity", Address: "v1:25565", Enabled: true, Health: HealthHealthy},
				{Name: "v2", Type: "velocity", Address: "v2:25565", Health: HealthUnknown},
				{Name: "b1", Type: "bungeecord", Address: "b1:25565", Enabled: true, Health: HealthUnhealthy},
			} {
				p := p
				_, err := r.Upsert(ctx, &p)
				g.Assert(err).IsNil()
			}

			stats, err := r.Statistics(ctx)
			g.Assert(err).IsNil()
			g.Assert(stats.TotalProxies).Equal(3)
			g.Assert(stats.EnabledProxies).Equal(2)
			g.Assert(stats.CountsByType["velocity"]).Equal(2)
			g.Assert(stats.CountsByHealth[HealthUnhealthy]).Equal(1)
		})
	})
}

func TestRegistry_Upsert(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Registry#Upsert", func() {
		var r *Registry
		g.BeforeEach(func() {
			r = NewRegistry(newProxyTestDB(t), &scanEnv{})
		})

		g.It("rejects unsupported types", func() {
			_, err := r.Upsert(ctx, &models.ProxyInstance{Name: "x", Type: "haproxy"})
			g.Assert(err).IsNotNil()
		})

		g.It("creates then updates by UUID", func() {
			p := &models.ProxyInstance{Name: "v1", Type: "velocity", Address: "v1:25565"}
			created, err := r.Upsert(ctx, p)
			g.Assert(err).IsNil()
			g.Assert(created).IsTrue()

			p.Enabled = true
			created, err = r.Upsert(ctx, p)
			g.Assert(err).IsNil()
			g.Assert(created).IsFalse()

			got, err := r.Find(ctx, p.UUID)
			g.Assert(err).IsNil()
			g.Assert(got.Enabled).IsTrue()
		})
	})
}
