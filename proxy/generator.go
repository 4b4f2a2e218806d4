package proxy

import (
	"fmt"
	"path"
	"strings"

	"emperror.dev/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
	"github.com/enVId-tech/craftd/provision"
)

// Fragment is a generated configuration unit for one proxy/server pair. The
// target path is relative to either the proxy's config root or the server's
// file root depending on which side the fragment configures.
type Fragment struct {
	ProxyType Type   `json:"proxy_type"`
	Path      string `json:"path"`
	Content   []byte `json:"-"`

	// WritesProxyConfig is false when only the server side is configured and
	// the proxy's own files must stay untouched.
	WritesProxyConfig bool `json:"writes_proxy_config"`

	// RequiresProxyRestart is set for static-file proxies whose runtime only
	// rereads configuration on restart.
	RequiresProxyRestart bool `json:"requires_proxy_restart"`

	Warnings []string `json:"warnings,omitempty"`
}

// Generator renders per-type configuration fragments. It holds no mutable
// state; the fleet settings it needs are read from configuration at
// generation time.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// forgeServerTypes are the engine flavors that cannot handle legacy identity
// forwarding without a compatibility mod.
var forgeServerTypes = map[string]struct{}{
	"forge":    {},
	"neoforge": {},
}

// Generate produces the configuration fragment wiring a server into one
// proxy. Unknown types fail fast; there is deliberately no fallback to
// another type's format.
func (g *Generator) Generate(rawType string, server *models.ServerInstance, binding *models.ServerProxyBinding, p *models.ProxyInstance) (*Fragment, error) {
	t, err := ParseType(rawType)
	if err != nil {
		return nil, err
	}
	override := models.ProxyOverride{}
	if binding != nil && p != nil {
		override = binding.Overrides[p.UUID]
	}
	switch t {
	case TypeVelocity:
		return g.velocity(server, binding, override)
	case TypeBungeecord, TypeWaterfall:
		return g.bungeeStyle(t, server, binding, override)
	case TypeRustyConnector:
		return g.rustyConnector(server, binding, override)
	}
	return nil, errors.WrapIff(ErrUnsupportedType, "%q", rawType)
}

// internalAddress is how proxies reach a backend: over the shared container
// network, always on the in-container game port, never the public one.
func internalAddress(server *models.ServerInstance) string {
	return fmt.Sprintf("%s:%d", provision.ContainerName(server.UUID), provision.ContainerGamePort)
}

func restricted(binding *models.ServerProxyBinding, override models.ProxyOverride) bool {
	if override.Restricted != nil {
		return *override.Restricted
	}
	return binding != nil && binding.Restricted
}

func (g *Generator) velocity(server *models.ServerInstance, binding *models.ServerProxyBinding, override models.ProxyOverride) (*Fragment, error) {
	mode := TypeVelocity.DefaultForwarding()
	if override.ForwardingMode != "" {
		mode = ForwardingMode(override.ForwardingMode)
		if !TypeVelocity.SupportsForwarding(mode) {
			return nil, errors.Errorf("proxy: velocity does not support forwarding mode %q", mode)
		}
	}

	doc := map[string]interface{}{
		"servers": map[string]interface{}{
			server.Subdomain: internalAddress(server),
		},
		"forced-hosts": map[string]interface{}{
			server.Subdomain + "." + config.Get().Dns.Domain: []string{server.Subdomain},
		},
		"player-info-forwarding-mode": strings.ToUpper(string(mode)),
	}
	if mode == ForwardingModern {
		doc["forwarding-secret"] = config.Get().Fleet.ForwardingSecret
	}
	if restricted(binding, override) {
		doc["restricted"] = true
	}

	buf, err := toml.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Fragment{
		ProxyType:            TypeVelocity,
		Path:                 path.Join("servers.d", server.Subdomain+".toml"),
		Content:              buf,
		WritesProxyConfig:    true,
		RequiresProxyRestart: true,
	}, nil
}

func (g *Generator) bungeeStyle(t Type, server *models.ServerInstance, binding *models.ServerProxyBinding, override models.ProxyOverride) (*Fragment, error) {
	mode := ForwardingLegacy
	if t == TypeWaterfall && override.ForwardingMode != "" {
		mode = ForwardingMode(override.ForwardingMode)
		if !TypeWaterfall.SupportsForwarding(mode) {
			return nil, errors.Errorf("proxy: waterfall does not support forwarding mode %q", mode)
		}
	}

	var warnings []string
	if _, ok := forgeServerTypes[strings.ToLower(server.ServerType)]; ok {
		warnings = append(warnings, fmt.Sprintf(
			"%s servers do not understand %s identity forwarding natively; install a forwarding compatibility mod on the backend",
			server.ServerType, t))
	}

	doc := map[string]interface{}{
		"servers": map[string]interface{}{
			server.Subdomain: map[string]interface{}{
				"address":    internalAddress(server),
				"motd":       server.Name,
				"restricted": restricted(binding, override),
			},
		},
		"ip_forward": mode != ForwardingNone,
		"forced_hosts": map[string]string{
			server.Subdomain + "." + config.Get().Dns.Domain: server.Subdomain,
		},
	}

	buf, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Fragment{
		ProxyType:            t,
		Path:                 path.Join("servers.d", server.Subdomain+".yml"),
		Content:              buf,
		WritesProxyConfig:    true,
		RequiresProxyRestart: true,
		Warnings:             warnings,
	}, nil
}

// rustyConnector configures only the backend's registration plugin. The
// server announces itself against the shared Redis registry on boot, so the
// proxy's own files are never written.
func (g *Generator) rustyConnector(server *models.ServerInstance, binding *models.ServerProxyBinding, override models.ProxyOverride) (*Fragment, error) {
	cfg := config.Get()

	family := override.Family
	if family == "" {
		family = "default"
	}
	weight := override.Weight
	if weight <= 0 {
		weight = 1
	}
	host, port := splitRedisAddress(cfg.Redis.Address)

	doc := map[string]interface{}{
		"server": map[string]interface{}{
			"id":         server.UUID,
			"name":       server.Subdomain,
			"address":    internalAddress(server),
			"family":     family,
			"weight":     weight,
			"player-cap": 100,
			"soft-cap":   80,
		},
		"redis": map[string]interface{}{
			"host": host,
			"port": port,
			// Only the environment variable name is written; the raw
			// credential never lands in a server-readable file.
			"password-env": cfg.Redis.PasswordEnv,
			"database":     cfg.Redis.Database,
		},
		"auto-register":          true,
		"unregister-on-shutdown": true,
	}

	buf, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Fragment{
		ProxyType:         TypeRustyConnector,
		Path:              path.Join("plugins", "rusty-connector", "config.yml"),
		Content:           buf,
		WritesProxyConfig: false,
	}, nil
}

// GenerateRustyProxyIdentity renders the proxy-side bootstrap configuration
// for a RustyConnector proxy: its own identity plus the family map. This is
// written once when the proxy itself is provisioned, never during server
// deployments.
func (g *Generator) GenerateRustyProxyIdentity(p *models.ProxyInstance, families []string) ([]byte, error) {
	if len(families) == 0 {
		families = []string{"default"}
	}
	fams := make(map[string]interface{}, len(families))
	for _, f := range families {
		fams[f] = map[string]interface{}{
			"load-balancer": "least-connection",
		}
	}
	host, port := splitRedisAddress(config.Get().Redis.Address)
	doc := map[string]interface{}{
		"proxy": map[string]interface{}{
			"id":   p.UUID,
			"name": p.Name,
		},
		"families": fams,
		"redis": map[string]interface{}{
			"host":         host,
			"port":         port,
			"password-env": config.Get().Redis.PasswordEnv,
			"database":     config.Get().Redis.Database,
		},
	}
	buf, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func splitRedisAddress(addr string) (string, int) {
	host := addr
	port := 6379
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
			port = 6379
		}
	}
	return host, port
}
