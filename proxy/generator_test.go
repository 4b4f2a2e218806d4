package proxy

import (
	"path/filepath"
	"strings"
	"testing"

	"emperror.dev/errors"
	. "github.com/franela/goblin"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
)

func setTestConfig(t *testing.T) {
	c, err := config.NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
	if err != nil {
		t.Fatalf("failed to build test configuration: %s", err)
	}
	c.Dns.Domain = "example.com"
	c.Fleet.Environment = "test"
	c.Fleet.ForwardingSecret = "super-secret-value"
	c.Redis.Password = "raw-redis-password"
	config.Set(c)
}

func testServer() *models.ServerInstance {
	return &models.ServerInstance{
		UUID:       "srv-42",
		Name:       "Survival",
		Subdomain:  "survival",
		ServerType: "paper",
		Version:    "1.20.4",
		Port:       25565,
		RconPort:   25596,
	}
}

func TestGenerator_Generate(t *testing.T) {
	g := Goblin(t)
	gen := NewGenerator()

	g.Describe("Generator#Generate", func() {
		g.BeforeEach(func() {
			setTestConfig(t)
		})

		g.It("fails fast for unknown proxy types", func() {
			_, err := gen.Generate("nginx", testServer(), nil, nil)
			g.Assert(errors.Is(err, ErrUnsupportedType)).IsTrue()
		})

		g.Describe("velocity", func() {
			g.It("addresses the backend over the internal network", func() {
				frag, err := gen.Generate("velocity", testServer(), nil, nil)
				g.Assert(err).IsNil()
				g.Assert(frag.WritesProxyConfig).IsTrue()
				g.Assert(frag.RequiresProxyRestart).IsTrue()
				g.Assert(strings.Contains(string(frag.Content), "mc-srv-42:25565")).IsTrue()
			})

			g.It("defaults to modern forwarding with the shared secret", func() {
				frag, err := gen.Generate("velocity", testServer(), nil, nil)
				g.Assert(err).IsNil()
				g.Assert(strings.Contains(string(frag.Content), "MODERN")).IsTrue()
				g.Assert(strings.Contains(string(frag.Content), "super-secret-value")).IsTrue()
			})

			g.It("marks restricted backends", func() {
				binding := &models.ServerProxyBinding{Restricted: true}
				frag, err := gen.Generate("velocity", testServer(), binding, &models.ProxyInstance{UUID: "p1"})
				g.Assert(err).IsNil()
				g.Assert(strings.Contains(string(frag.Content), "restricted = true")).IsTrue()
			})

			g.It("honors a per-proxy forwarding override", func() {
				binding := &models.ServerProxyBinding{
					Overrides: map[string]models.ProxyOverride{
						"p1": {ForwardingMode: "legacy"},
					},
				}
				frag, err := gen.Generate("velocity", testServer(), binding, &models.ProxyInstance{UUID: "p1"})
				g.Assert(err).IsNil()
				g.Assert(strings.Contains(string(frag.Content), "LEGACY")).IsTrue()
				g.Assert(strings.Contains(string(frag.Content), "super-secret-value")).IsFalse()
			})
		})

		g.Describe("bungeecord", func() {
			g.It("always forces legacy forwarding", func() {
				binding := &models.ServerProxyBinding{
					Overrides: map[string]models.ProxyOverride{
						"p1": {ForwardingMode: "modern"},
					},
				}
				frag, err := gen.Generate("bungeecord", testServer(), binding, &models.ProxyInstance{UUID: "p1"})
				g.Assert(err).IsNil()
				g.Assert(strings.Contains(string(frag.Content), "ip_forward: true")).IsTrue()
			})

			g.It("warns about Forge backends", func() {
				s := testServer()
				s.ServerType = "forge"
				frag, err := gen.Generate("bungeecord", s, nil, nil)
				g.Assert(err).IsNil()
				g.Assert(len(frag.Warnings)).Equal(1)
				g.Assert(strings.Contains(frag.Warnings[0], "compatibility mod")).IsTrue()
			})

			g.It("does not warn for vanilla-compatible backends", func() {
				frag, err := gen.Generate("bungeecord", testServer(), nil, nil)
				g.Assert(err).IsNil()
				g.Assert(len(frag.Warnings)).Equal(0)
			})
		})

		g.Describe("waterfall", func() {
			g.It("accepts a modern forwarding override", func() {
				binding := &models.ServerProxyBinding{
					Overrides: map[string]models.ProxyOverride{
						"p1": {ForwardingMode: "modern"},
					},
				}
				_, err := gen.Generate("waterfall", testServer(), binding, &models.ProxyInstance{UUID: "p1"})
				g.Assert(err).IsNil()
			})
		})

		g.Describe("rusty-connector", func() {
			g.It("never writes proxy configuration", func() {
				frag, err := gen.Generate("rusty-connector", testServer(), nil, nil)
				g.Assert(err).IsNil()
				g.Assert(frag.WritesProxyConfig).IsFalse()
				g.Assert(strings.HasPrefix(frag.Path, "plugins/")).IsTrue()
			})

			g.It("references the credential by environment variable, never raw", func() {
				frag, err := gen.Generate("rusty-connector", testServer(), nil, nil)
				g.Assert(err).IsNil()
				content := string(frag.Content)
				g.Assert(strings.Contains(content, "CRAFTD_REDIS_PASSWORD")).IsTrue()
				g.Assert(strings.Contains(content, "raw-redis-password")).IsFalse()
			})

			g.It("writes the registration identity with family and caps", func() {
				binding := &models.ServerProxyBinding{
					Overrides: map[string]models.ProxyOverride{
						"p1": {Family: "survival", Weight: 5},
					},
				}
				frag, err := gen.Generate("rusty-connector", testServer(), binding, &models.ProxyInstance{UUID: "p1"})
				g.Assert(err).IsNil()
				content := string(frag.Content)
				g.Assert(strings.Contains(content, "family: survival")).IsTrue()
				g.Assert(strings.Contains(content, "weight: 5")).IsTrue()
				g.Assert(strings.Contains(content, "auto-register: true")).IsTrue()
				g.Assert(strings.Contains(content, "unregister-on-shutdown: true")).IsTrue()
			})
		})
	})
}

func TestTypes(t *testing.T) {
	g := Goblin(t)

	g.Describe("ParseType", func() {
		g.It("accepts every supported type", func() {
			for _, raw := range []string{"velocity", "bungeecord", "waterfall", "rusty-connector"} {
				_, err := ParseType(raw)
				g.Assert(err).IsNil()
			}
		})

		g.It("rejects anything else", func() {
			_, err := ParseType("haproxy")
			g.Assert(errors.Is(err, ErrUnsupportedType)).IsTrue()
		})
	})

	g.Describe("Type forwarding rules", func() {
		g.It("only bungeecord is locked to legacy", func() {
			g.Assert(TypeBungeecord.SupportsForwarding(ForwardingModern)).IsFalse()
			g.Assert(TypeWaterfall.SupportsForwarding(ForwardingModern)).IsTrue()
			g.Assert(TypeVelocity.DefaultForwarding()).Equal(ForwardingModern)
			g.Assert(TypeBungeecord.DefaultForwarding()).Equal(ForwardingLegacy)
		})

		g.It("rusty-connector is the only dynamic registration type", func() {
			for _, typ := range Types() {
				g.Assert(typ.UsesStaticConfig()).Equal(typ != TypeRustyConnector)
			}
		})
	})
}

func TestGenerator_RustyProxyIdentity(t *testing.T) {
	g := Goblin(t)

	g.Describe("Generator#GenerateRustyProxyIdentity", func() {
		g.BeforeEach(func() {
			setTestConfig(t)
		})

		g.It("renders the proxy identity with its family map", func() {
			buf, err := NewGenerator().GenerateRustyProxyIdentity(&models.ProxyInstance{UUID: "pr-1", Name: "rusty-1", Type: "rusty-connector"}, []string{"survival", "creative"})
			g.Assert(err).IsNil()
			content := string(buf)
			g.Assert(strings.Contains(content, "id: pr-1")).IsTrue()
			g.Assert(strings.Contains(content, "survival:")).IsTrue()
			g.Assert(strings.Contains(content, "creative:")).IsTrue()
			g.Assert(strings.Contains(content, "load-balancer: least-connection")).IsTrue()
			g.Assert(strings.Contains(content, "CRAFTD_REDIS_PASSWORD")).IsTrue()
			g.Assert(strings.Contains(content, "raw-redis-password")).IsFalse()
		})

		g.It("falls back to the default family", func() {
			buf, err := NewGenerator().GenerateRustyProxyIdentity(&models.ProxyInstance{UUID: "pr-1", Name: "rusty-1", Type: "rusty-connector"}, nil)
			g.Assert(err).IsNil()
			g.Assert(strings.Contains(string(buf), "default:")).IsTrue()
		})
	})
}
