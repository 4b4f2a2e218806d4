package proxy

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/enVId-tech/craftd/environment"
	"github.com/enVId-tech/craftd/internal/models"
)

const ErrProxyNotFound = errors.Sentinel("proxy: no proxy matches the identifier")

// discoveryLabel marks containers that should be picked up as fleet proxies.
// Its value carries the proxy type.
const discoveryLabel = "craftd.proxy"

// Registry is the catalog of known proxy instances. It is constructed once
// at process start and handed to every component that needs it; rows live in
// the database so the catalog survives restarts.
type Registry struct {
	db  *gorm.DB
	env environment.Client
}

func NewRegistry(db *gorm.DB, env environment.Client) *Registry {
	return &Registry{db: db, env: env}
}

// Filter narrows a listing; zero values match everything.
type Filter struct {
	Type        Type
	Environment string
	EnabledOnly bool
}

func (r *Registry) List(ctx context.Context, f Filter) ([]models.ProxyInstance, error) {
	q := r.db.WithContext(ctx).Model(&models.ProxyInstance{})
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Environment != "" {
		q = q.Where("environment = ?", f.Environment)
	}
	if f.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []models.ProxyInstance
	if err := q.Order("priority DESC, name ASC").Find(&out).Error; err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (r *Registry) ByType(ctx context.Context, t Type) ([]models.ProxyInstance, error) {
	return r.List(ctx, Filter{Type: t})
}

// Find loads a single proxy by UUID.
func (r *Registry) Find(ctx context.Context, id string) (*models.ProxyInstance, error) {
	var p models.ProxyInstance
	if err := r.db.WithContext(ctx).Where("uuid = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WrapIff(ErrProxyNotFound, "%q", id)
		}
		return nil, errors.WithStack(err)
	}
	return &p, nil
}

// Upsert creates or updates a proxy by UUID and reports whether a new row was
// created.
func (r *Registry) Upsert(ctx context.Context, p *models.ProxyInstance) (bool, error) {
	if _, err := ParseType(p.Type); err != nil {
		return false, err
	}
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	if p.Health == "" {
		p.Health = HealthUnknown
	}
	p.LastSeen = time.Now().UTC()

	var existing models.ProxyInstance
	err := r.db.WithContext(ctx).Where("uuid = ?", p.UUID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
			return false, errors.WithStack(err)
		}
		return true, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	p.ID = existing.ID
	if err := r.db.WithContext(ctx).Save(p).Error; err != nil {
		return false, errors.WithStack(err)
	}
	return false, nil
}

// SetHealth records a probe outcome for a proxy.
func (r *Registry) SetHealth(ctx context.Context, id string, health string) error {
	return errors.WithStack(r.db.WithContext(ctx).
		Model(&models.ProxyInstance{}).
		Where("uuid = ?", id).
		Updates(map[string]interface{}{"health": health, "last_seen": time.Now().UTC()}).Error)
}

// Statistics is the aggregate view exposed to operators.
type Statistics struct {
	TotalProxies   int            `json:"total_proxies"`
	EnabledProxies int            `json:"enabled_proxies"`
	CountsByType   map[string]int `json:"counts_by_type"`
	CountsByHealth map[string]int `json:"counts_by_health"`
}

func (r *Registry) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := r.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		TotalProxies:   len(all),
		CountsByType:   make(map[string]int),
		CountsByHealth: make(map[string]int),
	}
	for _, p := range all {
		if p.Enabled {
			stats.EnabledProxies++
		}
		stats.CountsByType[p.Type]++
		stats.CountsByHealth[p.Health]++
	}
	return stats, nil
}

// ScanResult summarizes one discovery pass.
type ScanResult struct {
	Discovered int      `json:"discovered"`
	Registered int      `json:"registered"`
	Errors     []string `json:"errors,omitempty"`
}

// ScanAndRegister walks the orchestrator for running proxy containers and
// reconciles them with the catalog. New proxies register disabled with
// unknown health so an operator confirms them before any traffic routing;
// proxies that vanished from the orchestrator are marked unhealthy but never
// deleted, removal stays an explicit admin action.
func (r *Registry) ScanAndRegister(ctx context.Context, env string) (*ScanResult, error) {
	containers, err := r.env.Scan(ctx, map[string]string{discoveryLabel: ""})
	if err != nil {
		return nil, err
	}
	res := &ScanResult{}
	seen := make(map[string]struct{})
	for _, c := range containers {
		if !c.IsRunning() {
			continue
		}
		res.Discovered++
		t, err := ParseType(strings.ToLower(c.Labels[discoveryLabel]))
		if err != nil {
			res.Errors = append(res.Errors, errors.WrapIff(err, "container %s", c.Name).Error())
			continue
		}
		seen[c.ID] = struct{}{}
		created, err := r.reconcile(ctx, env, c, t)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if created {
			res.Registered++
		}
	}
	if err := r.markVanished(ctx, env, seen); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	log.WithFields(log.Fields{
		"environment": env,
		"discovered":  res.Discovered,
		"registered":  res.Registered,
		"errors":      len(res.Errors),
	}).Info("completed proxy discovery scan")
	return res, nil
}

func (r *Registry) reconcile(ctx context.Context, env string, c environment.Container, t Type) (bool, error) {
	var existing models.ProxyInstance
	err := r.db.WithContext(ctx).Where("container_id = ?", c.ID).First(&existing).Error
	if err == nil {
		existing.LastSeen = time.Now().UTC()
		if existing.Health == HealthUnhealthy {
			existing.Health = HealthUnknown
		}
		return false, errors.WithStack(r.db.WithContext(ctx).Save(&existing).Error)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, errors.WithStack(err)
	}

	address := c.Labels["craftd.proxy.address"]
	if address == "" {
		address = c.Name
	}
	p := models.ProxyInstance{
		UUID:         uuid.New().String(),
		Name:         c.Name,
		Type:         string(t),
		Address:      address,
		Enabled:      false,
		Health:       HealthUnknown,
		Capabilities: capabilitiesFor(t),
		Environment:  env,
		ContainerID:  c.ID,
		LastSeen:     time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (r *Registry) markVanished(ctx context.Context, env string, seen map[string]struct{}) error {
	var managed []models.ProxyInstance
	if err := r.db.WithContext(ctx).
		Where("environment = ? AND container_id <> ''", env).
		Find(&managed).Error; err != nil {
		return errors.WithStack(err)
	}
	for _, p := range managed {
		if _, ok := seen[p.ContainerID]; ok {
			continue
		}
		log.WithFields(log.Fields{"proxy": p.UUID, "name": p.Name}).Warn("proxy container vanished from orchestrator")
		if err := r.SetHealth(ctx, p.UUID, HealthUnhealthy); err != nil {
			return err
		}
	}
	return nil
}

func capabilitiesFor(t Type) []string {
	caps := []string{"forwarding:" + string(t.DefaultForwarding())}
	for _, m := range []ForwardingMode{ForwardingNone, ForwardingLegacy, ForwardingModern} {
		if m != t.DefaultForwarding() && t.SupportsForwarding(m) {
			caps = append(caps, "forwarding:"+string(m))
		}
	}
	if !t.UsesStaticConfig() {
		caps = append(caps, "dynamic-registration")
	}
	return caps
}
