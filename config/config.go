package config

import (
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

const DefaultLocation = "/etc/craftd/config.yml"

var (
	mu            sync.RWMutex
	_config       *Configuration
	_debugViaFlag bool
)

type Configuration struct {
	// The location from which this configuration instance was last read. Not
	// written back out to the file.
	path string

	// Determines if craftd should be running in debug mode. This value is
	// ignored if the debug flag is passed through the command line arguments.
	Debug bool

	Api       ApiConfiguration       `json:"api" yaml:"api"`
	System    SystemConfiguration    `json:"system" yaml:"system"`
	Docker    DockerConfiguration    `json:"docker" yaml:"docker"`
	Dns       DnsConfiguration       `json:"dns" yaml:"dns"`
	FileStore FileStoreConfiguration `json:"filestore" yaml:"filestore"`
	Redis     RedisConfiguration     `json:"redis" yaml:"redis"`
	Fleet     FleetConfiguration     `json:"fleet" yaml:"fleet"`

	// The token used to authenticate requests against this daemon's API. All
	// callers, including the external scheduler, must present this as a
	// bearer token.
	AuthenticationToken string `json:"token" yaml:"token"`
}

// ApiConfiguration defines the configuration for the internal API that is
// exposed by the daemon webserver.
type ApiConfiguration struct {
	// The interface that the internal webserver should bind to.
	Host string `default:"0.0.0.0" yaml:"host"`

	// The port that the internal webserver should bind to.
	Port int `default:"8591" yaml:"port"`

	// SSL configuration for the daemon.
	Ssl struct {
		Enabled         bool   `json:"enabled" yaml:"enabled"`
		CertificateFile string `json:"cert" yaml:"cert"`
		KeyFile         string `json:"key" yaml:"key"`
	} `json:"ssl" yaml:"ssl"`
}

// SystemConfiguration defines basic system configuration settings.
type SystemConfiguration struct {
	// The root directory where craftd data is stored at.
	RootDirectory string `default:"/var/lib/craftd" yaml:"root_directory"`

	// Directory where logs are stored.
	LogDirectory string `default:"/var/log/craftd" yaml:"log_directory"`

	// Directory where server archives are written when an instance is
	// decommissioned with archiving enabled.
	ArchiveDirectory string `default:"/var/lib/craftd/archives" yaml:"archive_directory"`

	// Directory holding runtime artifact templates (server jars and packaged
	// modpack archives) that can be provisioned onto new instances.
	TemplateDirectory string `default:"/var/lib/craftd/templates" yaml:"template_directory"`

	Timezone string `yaml:"timezone"`
}

// ConfigureDirectories ensures that all the system directories exist on the
// system. These directories are created so that only the owner can read the
// data, thus making it impossible for regular users to access archived data.
func (sc *SystemConfiguration) ConfigureDirectories() error {
	for _, p := range []string{sc.RootDirectory, sc.LogDirectory, sc.ArchiveDirectory, sc.TemplateDirectory} {
		log.WithField("path", p).Debug("ensuring directory exists")
		if err := os.MkdirAll(p, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureTimezone sets the timezone data for the configuration if it is
// currently missing. If a value has been set, this functionality will only
// validate that the timezone being used is valid.
func (sc *SystemConfiguration) ConfigureTimezone() error {
	if sc.Timezone == "" {
		if b, err := os.ReadFile("/etc/timezone"); err == nil {
			sc.Timezone = string(b)
		} else {
			sc.Timezone = time.Now().Location().String()
		}
	}
	sc.Timezone = sanitizeTimezone(sc.Timezone)

	_, err := time.LoadLocation(sc.Timezone)
	return errors.WrapIf(err, "config: the supplied timezone value is invalid")
}

func sanitizeTimezone(v string) string {
	out := make([]rune, 0, len(v))
	for _, c := range v {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '/' || c == '+' || c == '-' {
			out = append(out, c)
		}
	}
	return string(out)
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options
	// present in the structs. If these values are set in the configuration
	// file they will be overridden.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.path = path
	return &c, nil
}

// Set the global configuration instance.
func Set(c *Configuration) {
	mu.Lock()
	if _config == nil || _config.AuthenticationToken != c.AuthenticationToken {
		log.Debug("config: daemon authentication token updated")
	}
	_config = c
	mu.Unlock()
}

// SetDebugViaFlag tracks if the application is running in debug mode because
// of a command line flag argument. If so we do not want to store that in the
// configuration file.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	_config.Debug = d
	_debugViaFlag = d
	mu.Unlock()
}

// Get returns the global configuration instance. This is a thread-safe
// operation that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored
// configuration by modifying the struct returned by this function.
func Get() *Configuration {
	mu.RLock()
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock. This is the correct way to make modifications to
// the global configuration.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	callback(_config)
	mu.Unlock()
}

// GetPath returns the path for this configuration file.
func (c Configuration) GetPath() string {
	return c.path
}

// FromFile reads the configuration from the provided file and stores it in
// the global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := NewAtPath(path)
	if err != nil {
		return err
	}

	// Replace environment variables within the configuration file with their
	// values from the host system.
	b = []byte(os.ExpandEnv(string(b)))

	if err := yaml.Unmarshal(b, c); err != nil {
		return err
	}
	Set(c)
	return nil
}

// WriteToDisk writes the configuration to the disk. This is a thread safe
// operation and will only allow one write at a time.
func WriteToDisk(c *Configuration) error {
	mu.Lock()
	defer mu.Unlock()

	ccopy := *c
	// If debugging is set with the flag, don't save it to the configuration
	// file, otherwise you can't disable it without editing the file manually.
	if _debugViaFlag {
		ccopy.Debug = false
	}
	if c.path == "" {
		return errors.New("config: cannot write to disk, no path defined in configuration")
	}
	b, err := yaml.Marshal(&ccopy)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return err
	}
	return nil
}
