package proxy

import (
	"context"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	. "github.com/franela/goblin"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/filestore"
	"github.com/enVId-tech/craftd/internal/models"
	"github.com/enVId-tech/craftd/provision"
)

// memStore keeps uploaded files in memory for deployment assertions.
type memStore struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func (m *memStore) Exists(ctx context.Context, p string) (bool, error) {
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	return m.dirs[p], nil
}
func (m *memStore) CreateDirectory(ctx context.Context, p string) error {
	m.dirs[p] = true
	return nil
}
func (m *memStore) UploadFile(ctx context.Context, p string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[p] = b
	return nil
}
func (m *memStore) GetFileContents(ctx context.Context, p string) ([]byte, error) {
	if b, ok := m.files[p]; ok {
		return b, nil
	}
	return nil, filestore.ErrNotExist
}
func (m *memStore) GetDirectoryContents(ctx context.Context, p string) ([]filestore.Entry, error) {
	return nil, nil
}
func (m *memStore) MoveFile(ctx context.Context, src string, dst string) error { return nil }
func (m *memStore) DeleteDirectory(ctx context.Context, p string) error        { return nil }
func (m *memStore) DeleteFile(ctx context.Context, p string) error {
	delete(m.files, p)
	return nil
}
func (m *memStore) Close() error { return nil }

var _ filestore.Client = (*memStore)(nil)

func setDeployConfig(t *testing.T) {
	c, err := config.NewAtPath(path.Join(t.TempDir(), "config.yml"))
	if err != nil {
		t.Fatalf("failed to build test configuration: %s", err)
	}
	c.Dns.Domain = "example.com"
	c.Fleet.Environment = "test"
	c.Fleet.ForwardingSecret = "super-secret-value"
	c.Fleet.FileReadyAttempts = 2
	c.Fleet.FileReadyInterval = time.Millisecond * 10
	config.Set(c)
}

func deployTestServer() *models.ServerInstance {
	return &models.ServerInstance{
		UUID:        "srv-7",
		Name:        "Lobby",
		Subdomain:   "lobby",
		ServerType:  "paper",
		Version:     "1.20.4",
		Port:        25565,
		RconPort:    25596,
		ContainerID: provision.ContainerName("srv-7"),
	}
}

func TestDeployer_OrderTargets(t *testing.T) {
	g := Goblin(t)

	g.Describe("deployment target ordering", func() {
		targets := func() []models.ProxyInstance {
			return []models.ProxyInstance{
				{UUID: "a", Priority: 10, Health: HealthUnhealthy, CurrentServers: 1},
				{UUID: "b", Priority: 5, Health: HealthHealthy, CurrentServers: 9},
				{UUID: "c", Priority: 1, Health: HealthHealthy, CurrentServers: 3},
			}
		}

		g.It("priority puts healthy proxies first, highest priority leading", func() {
			ts := targets()
			orderTargets(ts, StrategyPriority)
			g.Assert(ts[0].UUID).Equal("b")
			g.Assert(ts[1].UUID).Equal("c")
			g.Assert(ts[2].UUID).Equal("a")
		})

		g.It("least-connections puts the emptiest proxy first", func() {
			ts := targets()
			orderTargets(ts, StrategyLeastConnections)
			g.Assert(ts[0].UUID).Equal("a")
			g.Assert(ts[1].UUID).Equal("c")
			g.Assert(ts[2].UUID).Equal("b")
		})

		g.It("round-robin keeps the caller's order", func() {
			ts := targets()
			orderTargets(ts, StrategyRoundRobin)
			g.Assert(ts[0].UUID).Equal("a")
		})
	})
}

func TestDeployer_Deploy(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Deployer#Deploy", func() {
		var env *scanEnv
		var store *memStore
		var r *Registry
		var d *Deployer
		var server *models.ServerInstance

		addProxy := func(name string, typ string, priority int) string {
			p := &models.ProxyInstance{Name: name, Type: typ, Address: name + ":25565", Enabled: true, Priority: priority, Health: HealthHealthy, ContainerID: "ctr-" + name}
			if _, err := r.Upsert(ctx, p); err != nil {
				t.Fatalf("failed to seed proxy: %s", err)
			}
			return p.UUID
		}

		g.BeforeEach(func() {
			setDeployConfig(t)
			env = &scanEnv{}
			store = newMemStore()
			db := newProxyTestDB(t)
			r = NewRegistry(db, env)
			d = NewDeployer(db, r, NewGenerator(), env, store)
			server = deployTestServer()
			store.dirs[provision.RemoteRoot(server.UUID)] = true
		})

		g.It("writes a velocity fragment under the proxy config root and restarts the proxy", func() {
			id := addProxy("velocity-1", "velocity", 1)

			res, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{id}})
			g.Assert(err).IsNil()
			g.Assert(res.Success).IsTrue()
			g.Assert(res.PrimaryProxy).Equal(id)

			want := path.Join(ProxyConfigRoot(id), "servers.d", "lobby.toml")
			g.Assert(string(store.files[want])).IsNotZero()
			g.Assert(strings.Contains(string(store.files[want]), "mc-srv-7:25565")).IsTrue()

			p, _ := r.Find(ctx, id)
			g.Assert(env.restarted).Equal([]string{p.ContainerID})
			g.Assert(env.stopped).Equal([]string{server.ContainerID})
			g.Assert(env.started).Equal([]string{server.ContainerID})
		})

		g.It("writes rusty-connector fragments into the server root only", func() {
			id := addProxy("rusty-1", "rusty-connector", 1)

			res, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{id}})
			g.Assert(err).IsNil()
			g.Assert(res.Success).IsTrue()

			want := path.Join(provision.RemoteRoot(server.UUID), "plugins", "rusty-connector", "config.yml")
			g.Assert(string(store.files[want])).IsNotZero()
			for p := range store.files {
				g.Assert(strings.HasPrefix(p, ProxyConfigRoot(id))).IsFalse()
			}
			g.Assert(len(env.restarted)).Equal(0)
		})

		g.It("records an ordered binding and supersedes it on redeploy", func() {
			high := addProxy("velocity-1", "velocity", 10)
			low := addProxy("waterfall-1", "waterfall", 1)

			res, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{low, high}})
			g.Assert(err).IsNil()
			g.Assert(res.PrimaryProxy).Equal(high)
			g.Assert(res.FallbackProxies).Equal([]string{low})

			b, err := d.Binding(ctx, server.UUID)
			g.Assert(err).IsNil()
			g.Assert(b.ProxyUUIDs).Equal([]string{high, low})

			res, err = d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{low}})
			g.Assert(err).IsNil()
			b, err = d.Binding(ctx, server.UUID)
			g.Assert(err).IsNil()
			g.Assert(b.ProxyUUIDs).Equal([]string{low})
		})

		g.It("isolates a failing target from the rest of the set", func() {
			ok := addProxy("velocity-1", "velocity", 5)
			bad := addProxy("broken-1", "velocity", 9)
			// Break one target's generation by corrupting its type directly in
			// the database; Upsert would reject the value.
			g.Assert(d.db.Model(&models.ProxyInstance{}).Where("uuid = ?", bad).Update("type", "haproxy").Error).IsNil()

			res, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{bad, ok}})
			g.Assert(err).IsNil()
			g.Assert(res.Success).IsFalse()
			g.Assert(len(res.PerProxy)).Equal(2)
			g.Assert(res.PrimaryProxy).Equal(ok)

			b, err := d.Binding(ctx, server.UUID)
			g.Assert(err).IsNil()
			g.Assert(b).IsNotNil()
		})

		g.It("gives up when the server layout never appears", func() {
			id := addProxy("velocity-1", "velocity", 1)
			delete(store.dirs, provision.RemoteRoot(server.UUID))

			res, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{id}})
			g.Assert(err).IsNil()
			g.Assert(res.Success).IsFalse()
			g.Assert(res.PerProxy[0].Step).Equal("wait-files")
		})

		g.It("rejects an unknown strategy", func() {
			_, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID, ProxyUUIDs: []string{"x"}, Strategy: "chaos"})
			g.Assert(err).IsNotNil()
		})

		g.It("requires at least one target", func() {
			_, err := d.Deploy(ctx, server, DeployRequest{ServerID: server.UUID})
			g.Assert(err).IsNotNil()
		})
	})
}
