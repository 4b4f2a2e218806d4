package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/apex/log"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
)

// Overall fleet status values.
const (
	FleetHealthy   = "healthy"
	FleetDegraded  = "degraded"
	FleetUnhealthy = "unhealthy"
)

// ProxyHealth is one proxy's probe outcome.
type ProxyHealth struct {
	ProxyUUID string   `json:"proxy_uuid"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Details   []string `json:"details,omitempty"`
}

// FleetHealth is the aggregate report for all enabled proxies.
type FleetHealth struct {
	Overall  string        `json:"overall"`
	PerProxy []ProxyHealth `json:"per_proxy"`
	Checked  time.Time     `json:"checked"`
}

// Monitor probes proxy reachability. Results are cached briefly so a burst
// of status requests does not translate into a burst of network probes.
type Monitor struct {
	registry *Registry
	redis    *redis.Client
	cache    *cache.Cache
}

const healthCacheKey = "fleet-health"

func NewMonitor(registry *Registry, rdb *redis.Client) *Monitor {
	return &Monitor{
		registry: registry,
		redis:    rdb,
		cache:    cache.New(time.Second*10, time.Minute),
	}
}

// CheckAll probes every enabled proxy concurrently. Probes are independent:
// each gets its own bounded timeout and a timed-out probe is just an
// unhealthy proxy, never an error that aborts the batch.
func (m *Monitor) CheckAll(ctx context.Context) (*FleetHealth, error) {
	if cached, ok := m.cache.Get(healthCacheKey); ok {
		return cached.(*FleetHealth), nil
	}

	proxies, err := m.registry.List(ctx, Filter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	results := make([]ProxyHealth, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range proxies {
		i, p := i, p
		g.Go(func() error {
			results[i] = m.probe(gctx, &p)
			if err := m.registry.SetHealth(ctx, p.UUID, results[i].Status); err != nil {
				log.WithField("proxy", p.UUID).WithField("error", err).Warn("failed to record probe outcome")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &FleetHealth{
		Overall:  overall(results),
		PerProxy: results,
		Checked:  time.Now().UTC(),
	}
	m.cache.SetDefault(healthCacheKey, report)
	return report, nil
}

func overall(results []ProxyHealth) string {
	if len(results) == 0 {
		return FleetUnhealthy
	}
	healthy := 0
	for _, r := range results {
		if r.Status == HealthHealthy {
			healthy++
		}
	}
	switch {
	case healthy == 0:
		return FleetUnhealthy
	case healthy < len(results):
		return FleetDegraded
	default:
		return FleetHealthy
	}
}

func (m *Monitor) probe(ctx context.Context, p *models.ProxyInstance) ProxyHealth {
	h := ProxyHealth{ProxyUUID: p.UUID, Name: p.Name, Status: HealthHealthy}
	timeout := config.Get().Fleet.ProbeTimeout
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := ParseType(p.Type)
	if err != nil {
		h.Status = HealthUnhealthy
		h.Details = append(h.Details, err.Error())
		return h
	}

	// RustyConnector proxies are reachable through the shared registry; if
	// Redis answers, dynamic registration works even when the listener
	// address is not directly probeable from this daemon.
	if t == TypeRustyConnector && m.redis != nil {
		if err := m.redis.Ping(pctx).Err(); err != nil {
			h.Status = HealthUnhealthy
			h.Details = append(h.Details, fmt.Sprintf("redis registry unreachable: %s", err))
			return h
		}
		h.Details = append(h.Details, "redis registry reachable")
		return h
	}

	var d net.Dialer
	conn, err := d.DialContext(pctx, "tcp", withDefaultPort(p.Address))
	if err != nil {
		h.Status = HealthUnhealthy
		h.Details = append(h.Details, fmt.Sprintf("tcp probe failed: %s", err))
		return h
	}
	_ = conn.Close()
	h.Details = append(h.Details, fmt.Sprintf("tcp probe succeeded within %s", timeout))
	return h
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "25565")
}
