package proxy

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/environment"
	"github.com/enVId-tech/craftd/filestore"
	"github.com/enVId-tech/craftd/internal/models"
	"github.com/enVId-tech/craftd/provision"
	"github.com/enVId-tech/craftd/system"
)

// ProxyConfigRoot is where a static proxy's managed configuration fragments
// live on the shared file store.
func ProxyConfigRoot(proxyUUID string) string {
	return path.Join(config.Get().FileStore.BasePath, "proxies", proxyUUID)
}

// DeployRequest selects the proxies a server should be wired into.
type DeployRequest struct {
	ServerID   string                          `json:"server_id"`
	ProxyUUIDs []string                        `json:"proxy_uuids"`
	Strategy   string                          `json:"strategy"`
	Restricted bool                            `json:"restricted"`
	Overrides  map[string]models.ProxyOverride `json:"overrides,omitempty"`
}

// ProxyResult is the outcome of deploying one server to one proxy.
type ProxyResult struct {
	ProxyUUID string   `json:"proxy_uuid"`
	ProxyName string   `json:"proxy_name"`
	Type      string   `json:"type"`
	Success   bool     `json:"success"`
	Step      string   `json:"failed_step,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// DeployResult aggregates a deployment across the whole target set. A
// partially successful deployment is representable: Success is only true
// when every target proxy succeeded, but PerProxy always carries the full
// breakdown.
type DeployResult struct {
	Success         bool          `json:"success"`
	PerProxy        []ProxyResult `json:"per_proxy"`
	PrimaryProxy    string        `json:"primary_proxy,omitempty"`
	FallbackProxies []string      `json:"fallback_proxies,omitempty"`
}

// Deployer wires servers into proxies. Deployments to the same server are
// serialized through a per-server lock so concurrent writers cannot
// interleave partial fragments; different servers deploy independently.
type Deployer struct {
	db       *gorm.DB
	registry *Registry
	gen      *Generator
	env      environment.Client
	files    filestore.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDeployer(db *gorm.DB, registry *Registry, gen *Generator, env environment.Client, files filestore.Client) *Deployer {
	return &Deployer{
		db:       db,
		registry: registry,
		gen:      gen,
		env:      env,
		files:    files,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (d *Deployer) serverLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[id] = l
	return l
}

// Deploy generates and applies configuration for every target proxy, then
// records the superseding binding. A failing proxy aborts its own remaining
// steps only; other targets still deploy.
func (d *Deployer) Deploy(ctx context.Context, server *models.ServerInstance, req DeployRequest) (*DeployResult, error) {
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	if len(req.ProxyUUIDs) == 0 {
		return nil, errors.New("proxy: deployment requires at least one target proxy")
	}

	lock := d.serverLock(server.UUID)
	lock.Lock()
	defer lock.Unlock()

	targets := make([]models.ProxyInstance, 0, len(req.ProxyUUIDs))
	for _, id := range req.ProxyUUIDs {
		p, err := d.registry.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *p)
	}
	orderTargets(targets, strategy)

	binding := &models.ServerProxyBinding{
		ServerUUID: server.UUID,
		ProxyUUIDs: orderedUUIDs(targets),
		Strategy:   string(strategy),
		Overrides:  req.Overrides,
		Restricted: req.Restricted,
	}

	res := &DeployResult{Success: true}
	for _, p := range targets {
		p := p
		r := d.deployOne(ctx, server, binding, &p)
		res.PerProxy = append(res.PerProxy, r)
		if !r.Success {
			res.Success = false
			continue
		}
		if res.PrimaryProxy == "" {
			res.PrimaryProxy = p.UUID
		} else {
			res.FallbackProxies = append(res.FallbackProxies, p.UUID)
		}
	}
	binding.FallbackUUIDs = res.FallbackProxies

	// The binding is recorded even for partial deployments so the result of
	// what actually happened stays queryable; a redeploy supersedes it
	// wholesale.
	if err := d.saveBinding(ctx, binding); err != nil {
		return res, err
	}
	log.WithFields(log.Fields{
		"server":   server.UUID,
		"targets":  len(targets),
		"success":  res.Success,
		"strategy": strategy,
	}).Info("finished multi-proxy deployment")
	return res, nil
}

// orderTargets sorts the target set into deployment order for the strategy.
// Priority deploys to the highest-priority healthy proxy first; the other
// strategies keep the caller's order, which for least-connections means the
// emptiest proxy leads.
func orderTargets(targets []models.ProxyInstance, strategy Strategy) {
	switch strategy {
	case StrategyPriority:
		sort.SliceStable(targets, func(i, j int) bool {
			hi, hj := targets[i].Health == HealthHealthy, targets[j].Health == HealthHealthy
			if hi != hj {
				return hi
			}
			return targets[i].Priority > targets[j].Priority
		})
	case StrategyLeastConnections:
		sort.SliceStable(targets, func(i, j int) bool {
			return targets[i].CurrentServers < targets[j].CurrentServers
		})
	}
}

func orderedUUIDs(targets []models.ProxyInstance) []string {
	out := make([]string, len(targets))
	for i, p := range targets {
		out[i] = p.UUID
	}
	return out
}

func (d *Deployer) saveBinding(ctx context.Context, b *models.ServerProxyBinding) error {
	return errors.WithStack(d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_uuid = ?", b.ServerUUID).Delete(&models.ServerProxyBinding{}).Error; err != nil {
			return err
		}
		return tx.Create(b).Error
	}))
}

// deployOne runs the full per-proxy protocol: generate the fragment, wait
// for the server's file layout, stop the server while its files are edited,
// write the configuration to whichever side the fragment targets, then
// restart everything that needs it.
func (d *Deployer) deployOne(ctx context.Context, server *models.ServerInstance, binding *models.ServerProxyBinding, p *models.ProxyInstance) ProxyResult {
	res := ProxyResult{ProxyUUID: p.UUID, ProxyName: p.Name, Type: p.Type}
	fail := func(step string, err error) ProxyResult {
		res.Step = step
		res.Error = err.Error()
		log.WithFields(log.Fields{"server": server.UUID, "proxy": p.UUID, "step": step}).
			WithField("error", err).Warn("proxy deployment step failed")
		return res
	}

	frag, err := d.gen.Generate(p.Type, server, binding, p)
	if err != nil {
		return fail("generate", err)
	}
	res.Warnings = frag.Warnings

	if err := d.waitForFileLayout(ctx, server); err != nil {
		return fail("wait-files", err)
	}
	if err := d.env.Stop(ctx, server.ContainerID); err != nil && !errors.Is(err, environment.ErrContainerNotFound) {
		return fail("stop-server", err)
	}

	if frag.WritesProxyConfig {
		target := path.Join(ProxyConfigRoot(p.UUID), frag.Path)
		if err := d.writeFragment(ctx, target, frag.Content); err != nil {
			return fail("write-proxy-config", err)
		}
		if frag.RequiresProxyRestart && p.ContainerID != "" {
			if err := d.env.Restart(ctx, p.ContainerID); err != nil && !errors.Is(err, environment.ErrContainerNotFound) {
				return fail("restart-proxy", err)
			}
		}
	} else {
		target := path.Join(serverRoot(server), frag.Path)
		if err := d.writeFragment(ctx, target, frag.Content); err != nil {
			return fail("write-server-config", err)
		}
	}

	if err := d.env.Start(ctx, server.ContainerID); err != nil && !errors.Is(err, environment.ErrContainerNotFound) {
		return fail("restart-server", err)
	}

	res.Success = true
	return res
}

func serverRoot(server *models.ServerInstance) string {
	if server.FileRoot != "" {
		return server.FileRoot
	}
	return provision.RemoteRoot(server.UUID)
}

// waitForFileLayout blocks until the server's directory exists on the file
// store. Newly provisioned servers can take a little while to appear on the
// remote mount, so this polls on the configured bounded interval.
func (d *Deployer) waitForFileLayout(ctx context.Context, server *models.ServerInstance) error {
	cfg := config.Get().Fleet
	policy := system.RetryPolicy{
		MaxAttempts: uint64(cfg.FileReadyAttempts),
		Interval:    cfg.FileReadyInterval,
	}
	root := serverRoot(server)
	start := time.Now()
	err := policy.Run(ctx, func() error {
		ok, err := d.files.Exists(ctx, root)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("proxy: server directory %s does not exist yet", root)
		}
		return nil
	})
	if err != nil {
		return errors.WrapIff(err, "gave up waiting for file layout after %s", time.Since(start).Round(time.Second))
	}
	return nil
}

func (d *Deployer) writeFragment(ctx context.Context, target string, content []byte) error {
	if err := d.files.CreateDirectory(ctx, path.Dir(target)); err != nil && !errors.Is(err, filestore.ErrNotExist) {
		return err
	}
	return d.files.UploadFile(ctx, target, bytes.NewReader(content))
}

// Binding returns the recorded proxy binding for a server, if any.
func (d *Deployer) Binding(ctx context.Context, serverUUID string) (*models.ServerProxyBinding, error) {
	var b models.ServerProxyBinding
	if err := d.db.WithContext(ctx).Where("server_uuid = ?", serverUUID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return &b, nil
}
