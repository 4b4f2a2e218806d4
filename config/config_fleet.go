package config

import "time"

// DnsConfiguration holds the connection details for the DNS registrar that
// subdomains are published through.
type DnsConfiguration struct {
	// The base endpoint of the registrar API.
	Endpoint string `yaml:"endpoint"`

	// The API key presented as a bearer token on every request.
	Key string `yaml:"key"`

	// The parent domain that all server subdomains are created beneath.
	Domain string `yaml:"domain"`

	// The number of requests per second permitted against the registrar API.
	// Registrars tend to rate limit aggressively, and record cleanup during a
	// decommission can burst several calls at once.
	RequestsPerSecond float64 `default:"4" yaml:"requests_per_second"`
}

// FileStoreConfiguration holds the SFTP connection details for the shared
// file store that server data directories live on.
type FileStoreConfiguration struct {
	// Host and port of the SFTP endpoint, e.g. "files.internal:22".
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Optional path to a private key used in place of password auth.
	PrivateKeyPath string `yaml:"private_key_path"`

	// The directory under which all server roots are created.
	BasePath string `default:"/servers" yaml:"base_path"`

	Timeout time.Duration `default:"30s" yaml:"timeout"`
}

// RedisConfiguration holds the shared Redis instance used by RustyConnector
// proxies and their backing servers for dynamic family registration.
type RedisConfiguration struct {
	Address string `default:"localhost:6379" yaml:"address"`
	// A reference to the environment variable holding the password; the raw
	// password itself is never written into generated server configs.
	PasswordEnv string `default:"CRAFTD_REDIS_PASSWORD" yaml:"password_env"`
	Password    string `yaml:"password"`
	Database    int    `default:"0" yaml:"database"`
}

// FleetConfiguration covers the port pools and proxy fleet behavior for this
// daemon instance.
type FleetConfiguration struct {
	// The logical environment this daemon manages. Port reservations are
	// scoped to an environment so that multiple daemons can share a database.
	Environment string `default:"production" yaml:"environment"`

	// The inclusive bounds of the game port pool. Every allocated game port
	// falls inside this range, for admins and users alike.
	GamePortStart int `default:"25565" yaml:"game_port_start"`
	GamePortEnd   int `default:"25595" yaml:"game_port_end"`

	// RCON ports are drawn from the game range shifted up by the full range
	// width so the two pools can never collide.
	RconPortOffset int `default:"31" yaml:"rcon_port_offset"`

	// The shared secret used by modern-forwarding proxies to authenticate
	// forwarded player identity to backend servers.
	ForwardingSecret string `yaml:"forwarding_secret"`

	// Subdomain labels that can never be assigned to a server.
	ProhibitedSubdomains []string `default:"[\"www\", \"mail\", \"api\", \"panel\", \"proxy\", \"admin\"]" yaml:"prohibited_subdomains"`

	// How long to wait for a server's remote file layout to appear before a
	// proxy deployment gives up, expressed as attempts at a fixed interval.
	FileReadyAttempts uint64        `default:"24" yaml:"file_ready_attempts"`
	FileReadyInterval time.Duration `default:"5s" yaml:"file_ready_interval"`

	// Per-probe timeout for proxy health checks.
	ProbeTimeout time.Duration `default:"3s" yaml:"probe_timeout"`
}
