package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/mitchellh/colorstring"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/enVId-tech/craftd/allocator"
	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/dns"
	"github.com/enVId-tech/craftd/environment/docker"
	"github.com/enVId-tech/craftd/filestore"
	"github.com/enVId-tech/craftd/internal/cron"
	"github.com/enVId-tech/craftd/internal/database"
	"github.com/enVId-tech/craftd/loggers/cli"
	"github.com/enVId-tech/craftd/provision"
	"github.com/enVId-tech/craftd/proxy"
	"github.com/enVId-tech/craftd/router"
	"github.com/enVId-tech/craftd/router/middleware"
	"github.com/enVId-tech/craftd/system"
)

var (
	configPath      = config.DefaultLocation
	debug           = false
	useAutomaticTls = false
	tlsHostname     = ""
	showVersion     = false
)

var root = &cobra.Command{
	Use:   "craftd",
	Short: "Game server provisioning and proxy fleet orchestration daemon",
	Long:  ``,
	PreRun: func(cmd *cobra.Command, args []string) {
		if useAutomaticTls && len(tlsHostname) == 0 {
			fmt.Println("A TLS hostname must be provided when running craftd with automatic TLS, e.g.:\n\n    ./craftd --auto-tls --tls-hostname my.example.com")
			os.Exit(1)
		}
	},
	Run: rootCmdRun,
}

func init() {
	root.PersistentFlags().BoolVar(&showVersion, "version", false, "show the version and exit")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run craftd in debug mode")
	root.PersistentFlags().BoolVar(&useAutomaticTls, "auto-tls", false, "pass in order to have craftd generate and manage its own SSL certificates using Let's Encrypt")
	root.PersistentFlags().StringVar(&tlsHostname, "tls-hostname", "", "required with --auto-tls, the FQDN for the generated SSL certificate")

	root.AddCommand(diagnosticsCmd)
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	if showVersion {
		fmt.Println(system.Version)
		os.Exit(0)
	}

	if err := initConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			exitWithConfigurationNotice()
		}
		panic(err)
	}
	c := config.Get()

	printLogo()
	if err := configureLogging(c.System.LogDirectory, c.Debug || debug); err != nil {
		panic(err)
	}

	log.WithField("path", c.GetPath()).Info("loading configuration from path")
	if c.Debug || debug {
		log.Debug("running in debug mode")
	}

	if err := c.System.ConfigureTimezone(); err != nil {
		log.WithField("error", err).Fatal("failed to detect system timezone or use supplied configuration value")
		return
	}
	log.WithField("timezone", c.System.Timezone).Info("configured daemon with system timezone")
	if err := c.System.ConfigureDirectories(); err != nil {
		log.WithField("error", err).Fatal("failed to configure system directories")
		return
	}

	if err := database.Initialize(); err != nil {
		log.WithField("error", err).Fatal("failed to initialize database")
		return
	}
	db := database.Instance()

	orchestrator, err := docker.New()
	if err != nil {
		log.WithField("error", err).Fatal("failed to configure container orchestrator client")
		return
	}

	files, err := filestore.New(c.FileStore)
	if err != nil {
		log.WithField("error", err).Fatal("failed to connect to the shared file store")
		return
	}
	defer files.Close()

	var registrar dns.Client
	if c.Dns.Endpoint != "" {
		registrar = dns.New(c.Dns.Endpoint, c.Dns.Key, c.Dns.RequestsPerSecond)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Address,
		Password: redisPassword(c),
		DB:       c.Redis.Database,
	})

	// The proxy registry is constructed exactly once and handed to everything
	// that needs it.
	ports := allocator.New(db, c.Fleet)
	registry := proxy.NewRegistry(db, orchestrator)
	deps := &middleware.Deps{
		Orchestrator: provision.NewOrchestrator(db, ports, orchestrator, files, registrar),
		Allocator:    ports,
		Registry:     registry,
		Deployer:     proxy.NewDeployer(db, registry, proxy.NewGenerator(), orchestrator, files),
		Monitor:      proxy.NewMonitor(registry, rdb),
		Bulk:         provision.NewBulkRegistry(),
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	scheduler, err := cron.Scheduler(ctx, &cron.Scheduled{
		Registry: deps.Registry,
		Monitor:  deps.Monitor,
	})
	if err != nil {
		log.WithField("error", err).Fatal("failed to configure the periodic maintenance scheduler")
		return
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	log.WithFields(log.Fields{
		"use_ssl":      c.Api.Ssl.Enabled,
		"use_auto_tls": useAutomaticTls && len(tlsHostname) > 0,
		"host_address": c.Api.Host,
		"host_port":    c.Api.Port,
	}).Info("configuring internal webserver")

	s := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", c.Api.Host, c.Api.Port),
		Handler: router.Configure(deps),

		TLSConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			// @see https://blog.cloudflare.com/exposing-go-on-the-internet
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			},
			PreferServerCipherSuites: true,
			MinVersion:               tls.VersionTLS12,
			MaxVersion:               tls.VersionTLS13,
			CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
		},
	}

	if useAutomaticTls && len(tlsHostname) > 0 {
		m := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(path.Join(c.System.RootDirectory, "/.tls-cache")),
			HostPolicy: autocert.HostWhitelist(tlsHostname),
		}
		log.WithField("hostname", tlsHostname).
			Info("webserver is now listening with auto-TLS enabled; certificates will be automatically generated by Let's Encrypt")

		s.TLSConfig.GetCertificate = m.GetCertificate
		s.TLSConfig.NextProtos = append(s.TLSConfig.NextProtos, acme.ALPNProto)

		go func() {
			if err := http.ListenAndServe(":http", m.HTTPHandler(nil)); err != nil {
				log.WithField("error", err).Error("failed to serve autocert http server")
			}
		}()
		if err := s.ListenAndServeTLS("", ""); err != nil {
			log.WithFields(log.Fields{"auto_tls": true, "tls_hostname": tlsHostname, "error": err}).
				Fatal("failed to configure HTTP server using auto-tls")
		}
		return
	}

	if c.Api.Ssl.Enabled {
		if err := s.ListenAndServeTLS(strings.ToLower(c.Api.Ssl.CertificateFile), strings.ToLower(c.Api.Ssl.KeyFile)); err != nil {
			log.WithFields(log.Fields{"auto_tls": false, "error": err}).Fatal("failed to configure HTTPS server")
		}
		return
	}

	s.TLSConfig = nil
	if err := s.ListenAndServe(); err != nil {
		log.WithField("error", err).Fatal("failed to configure HTTP server")
	}
}

// initConfig reads the configuration from the disk and stores it in the
// global singleton for this instance.
func initConfig() error {
	p := configPath
	if !strings.HasPrefix(p, "/") {
		d, err := os.Getwd()
		if err != nil {
			return err
		}
		p = path.Clean(path.Join(d, configPath))
	}
	if s, err := os.Stat(p); err != nil {
		return err
	} else if s.IsDir() {
		return errors.New("cannot use directory as configuration file path")
	}
	if err := config.FromFile(p); err != nil {
		return err
	}
	config.SetDebugViaFlag(debug)
	return nil
}

// redisPassword resolves the registry credential: the environment variable
// that configuration names wins over any inline value.
func redisPassword(c *config.Configuration) string {
	if c.Redis.PasswordEnv != "" {
		if v := os.Getenv(c.Redis.PasswordEnv); v != "" {
			return v
		}
	}
	return c.Redis.Password
}

// Execute calls cobra to handle cli commands.
func Execute() {
	if err := root.Execute(); err != nil {
		log.WithField("error", err).Fatal("failed to execute command")
	}
}

// Configures the global logger so it can be called from any location in the
// code without having to pass around a logger instance.
func configureLogging(logDir string, debug bool) error {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}

	p := filepath.Join(logDir, "/craftd.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		return errors.WrapIf(err, "cmd: failed to open process log file")
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetHandler(multi.New(
		cli.Default,
		cli.New(w.File, false),
	))
	log.WithField("path", p).Info("writing log files to disk")
	return nil
}

func printLogo() {
	fmt.Printf(colorstring.Color(`
                 __ _      _
  ___ _ __ __ _ / _| |_ __| |
 / __| '__/ _`+"`"+` | |_| __/ _`+"`"+` |
| (__| | | (_| |  _| || (_| |
 \___|_|  \__,_|_|  \__\__,_| [blue][bold]v%s[reset]

 Source:  https://github.com/enVId-tech/craftd

This software is made available under the terms of the MIT license.%s`), system.Version, "\n\n")
}

func exitWithConfigurationNotice() {
	fmt.Print(colorstring.Color(`
[_red_][white][bold]Error: Configuration File Not Found[reset]

craftd was not able to locate your configuration file, and therefore is not
able to complete its boot process.

Please ensure you have copied your instance configuration file into
the default location, or have provided the --config flag to use a
custom location.

Default Location: /etc/craftd/config.yml

`))
	os.Exit(1)
}
