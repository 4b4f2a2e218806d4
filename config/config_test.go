package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/franela/goblin"
)

func TestNewAtPath(t *testing.T) {
	g := Goblin(t)

	g.Describe("NewAtPath", func() {
		g.It("applies defaults without touching the global instance", func() {
			c, err := NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
			g.Assert(err).IsNil()
			g.Assert(c.Api.Port).Equal(8591)
			g.Assert(c.Fleet.GamePortStart).Equal(25565)
			g.Assert(c.Fleet.GamePortEnd).Equal(25595)
			g.Assert(c.Fleet.RconPortOffset).Equal(31)
			g.Assert(c.Fleet.ProbeTimeout).Equal(time.Second * 3)
			g.Assert(c.Redis.PasswordEnv).Equal("CRAFTD_REDIS_PASSWORD")
			g.Assert(len(c.Fleet.ProhibitedSubdomains) > 0).IsTrue()
		})
	})
}

func TestGlobalConfiguration(t *testing.T) {
	g := Goblin(t)

	g.Describe("global configuration", func() {
		g.BeforeEach(func() {
			c, err := NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
			g.Assert(err).IsNil()
			Set(c)
		})

		g.It("returns a copy that cannot mutate the stored instance", func() {
			Get().Fleet.Environment = "scratch"
			g.Assert(Get().Fleet.Environment).Equal("production")
		})

		g.It("applies updates through the callback", func() {
			Update(func(c *Configuration) {
				c.Fleet.Environment = "staging"
			})
			g.Assert(Get().Fleet.Environment).Equal("staging")
		})
	})
}

func TestFromFile(t *testing.T) {
	g := Goblin(t)

	g.Describe("FromFile", func() {
		g.It("overrides defaults with file values and expands env vars", func() {
			g.Assert(os.Setenv("CRAFTD_TEST_TOKEN", "token-from-env")).IsNil()
			defer os.Unsetenv("CRAFTD_TEST_TOKEN")

			p := filepath.Join(t.TempDir(), "config.yml")
			body := "token: ${CRAFTD_TEST_TOKEN}\nfleet:\n  environment: lab\n  game_port_end: 25570\n"
			g.Assert(os.WriteFile(p, []byte(body), 0o600)).IsNil()

			g.Assert(FromFile(p)).IsNil()
			c := Get()
			g.Assert(c.AuthenticationToken).Equal("token-from-env")
			g.Assert(c.Fleet.Environment).Equal("lab")
			g.Assert(c.Fleet.GamePortEnd).Equal(25570)
			g.Assert(c.Fleet.GamePortStart).Equal(25565)
		})

		g.It("fails for a missing file", func() {
			g.Assert(FromFile(filepath.Join(t.TempDir(), "missing.yml"))).IsNotNil()
		})
	})
}

func TestConfigureTimezone(t *testing.T) {
	g := Goblin(t)

	g.Describe("SystemConfiguration#ConfigureTimezone", func() {
		g.It("accepts a valid explicit timezone", func() {
			sc := SystemConfiguration{Timezone: "UTC"}
			g.Assert(sc.ConfigureTimezone()).IsNil()
			g.Assert(sc.Timezone).Equal("UTC")
		})

		g.It("strips characters a zone name can never contain", func() {
			sc := SystemConfiguration{Timezone: "Etc/UTC\n"}
			g.Assert(sc.ConfigureTimezone()).IsNil()
			g.Assert(sc.Timezone).Equal("Etc/UTC")
		})

		g.It("rejects garbage", func() {
			sc := SystemConfiguration{Timezone: "Not A Zone"}
			g.Assert(sc.ConfigureTimezone()).IsNotNil()
		})
	})
}
