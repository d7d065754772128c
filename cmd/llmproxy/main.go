// Command llmproxy is the LLM routing proxy: one endpoint in front of
// many chat-completion backends, with taxonomy-driven routing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"
	"golang.org/x/term"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/admission"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/config"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/httpserver"
	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/metrics"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/session"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/taxonomy"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokenmgr"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokens"
)

// version is set by the release pipeline via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Trace  bool   `help:"Enable trace logging" short:"t"`
	Config string `help:"Config file path" short:"c" type:"path" default:"proxy.toml"`

	Serve            ServeCmd            `cmd:"" help:"Run the proxy (foreground by default)"`
	Stop             StopCmd             `cmd:"" help:"Stop a daemonized proxy"`
	ValidateConfig   ValidateConfigCmd   `cmd:"" help:"Check the config file and optionally query it"`
	ValidateTaxonomy ValidateTaxonomyCmd `cmd:"" help:"Parse and compile the taxonomy directory"`
	Credentials      CredentialsCmd      `cmd:"" help:"Manage OAuth credential bundles"`
	Version          VersionCmd          `cmd:"" help:"Show version"`
}

// Context carries global flags to subcommands.
type Context struct {
	ConfigPath string
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("llmproxy"),
		kong.Description("An intelligent routing proxy for LLM providers."),
		kong.UsageOnError(),
	)

	logCfg := logging.DefaultConfig()
	switch {
	case cli.Trace:
		logCfg.Level = logging.LevelTrace
	case cli.Debug:
		logCfg.Level = logging.LevelDebug
	}
	logging.Init(logCfg)

	err := ctx.Run(&Context{ConfigPath: cli.Config})
	if err != nil {
		// Startup failures exit non-zero; a clean shutdown returns nil.
		fmt.Fprintf(os.Stderr, "llmproxy: %v\n", err)
		os.Exit(1)
	}
}

// runtimePaths derives the daemon's pid/log file locations from the
// metrics snapshot path, so everything lands in one data directory.
type runtimePaths struct {
	DataDir string
	PidFile string
	LogFile string
}

func derivePaths(cfg *config.Config) runtimePaths {
	dataDir := filepath.Dir(cfg.Metrics.SnapshotPath)
	return runtimePaths{
		DataDir: dataDir,
		PidFile: filepath.Join(dataDir, "llmproxy.pid"),
		LogFile: filepath.Join(dataDir, "llmproxy.log"),
	}
}

// ServeCmd runs the proxy.
type ServeCmd struct {
	Daemon bool `help:"Detach and run in the background"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	cfg, err := config.Load(ctx.ConfigPath)
	if err != nil {
		return err
	}

	if s.Daemon {
		paths := derivePaths(cfg)
		if err := os.MkdirAll(paths.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		cntxt := &daemon.Context{
			PidFileName: paths.PidFile,
			PidFilePerm: 0o644,
			LogFileName: paths.LogFile,
			LogFilePerm: 0o640,
			WorkDir:     "./",
			Umask:       0o27,
		}
		d, err := cntxt.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if d != nil {
			L_info("proxy started", "pid", d.Pid, "dataDir", paths.DataDir)
			return nil
		}
		defer cntxt.Release() //nolint:errcheck // daemon cleanup
	}

	return serve(ctx.ConfigPath, cfg)
}

// serve wires every subsystem together and blocks until shutdown.
func serve(configPath string, cfg *config.Config) error {
	if err := validateProviderURLs(cfg); err != nil {
		return err
	}

	reg, err := registry.New(cfg.Providers)
	if err != nil {
		return err
	}

	taxStore, err := taxonomy.NewStore(cfg.Taxonomy.Dir)
	if err != nil {
		return fmt.Errorf("taxonomy: %w", err)
	}
	if err := taxStore.Watch(); err != nil {
		L_warn("taxonomy: hot reload unavailable", "error", err)
	}
	defer taxStore.Close()

	store, err := session.NewStore(session.StoreConfig{
		Type: cfg.Session.Store,
		Path: cfg.Session.Path,
		TTL:  cfg.Session.TTL(),
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	sessions := session.NewManager(store, cfg.Session.TTL())
	sessions.StartEvictor(10 * time.Minute)
	defer sessions.Stop()

	var tokenManager *tokenmgr.Manager
	if len(cfg.OAuth) > 0 {
		tokenManager = tokenmgr.NewManager(cfg.Credentials.Dir, tokenmgr.NewOAuthRefresher(cfg.OAuth))
	}

	routerCfg, err := cfg.RouterConfig()
	if err != nil {
		return err
	}
	rt := router.New(reg, taxStore, sessions, routerCfg)

	metricsMgr := metrics.NewManager(cfg.Metrics.DecisionLogSize)
	persister := metrics.NewPersister(metricsMgr, cfg.Metrics.SnapshotPath,
		time.Duration(cfg.Metrics.SnapshotIntervalSec)*time.Second)
	persister.Start()
	defer persister.Stop()

	health := registry.NewHealthChecker(reg, 30*time.Second)
	health.Start()
	defer health.Stop()

	limiter := admission.NewLimiter(
		cfg.Security.RateLimiting.Capacity,
		cfg.Security.RateLimiting.RefillPerSec,
		cfg.Security.RateLimiting.MaxInflight)

	deps := httpserver.Deps{
		Config:    cfg,
		Router:    rt,
		Registry:  reg,
		Sessions:  sessions,
		Metrics:   metricsMgr,
		Limiter:   limiter,
		Estimator: tokens.Get(),
	}
	if tokenManager != nil {
		deps.Tokens = tokenManager
	}
	server := httpserver.New(deps)

	// Config hot reload: swap the registry contents, router config, and
	// server config snapshot; in-flight requests keep what they started
	// with.
	applyConfig := func(next *config.Config) {
		if err := validateProviderURLs(next); err != nil {
			L_error("config: reload rejected", "error", err)
			return
		}
		nextRouterCfg, err := next.RouterConfig()
		if err != nil {
			L_error("config: reload rejected", "error", err)
			return
		}
		if err := reg.Swap(next.Providers); err != nil {
			L_error("config: reload rejected", "error", err)
			return
		}
		rt.SetConfig(nextRouterCfg)
		server.SetConfig(next)
	}
	watcher, err := config.Watch(configPath, applyConfig)
	if err != nil {
		L_warn("config: hot reload unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				L_info("reloading on SIGHUP")
				if next, err := config.Load(configPath); err != nil {
					L_error("config: SIGHUP reload rejected", "error", err)
				} else {
					applyConfig(next)
				}
				if err := taxStore.Reload(); err != nil {
					L_error("taxonomy: SIGHUP reload rejected", "error", err)
				}
			default:
				L_info("shutting down", "signal", sig)
				SetShuttingDown()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		}
	}
}

func validateProviderURLs(cfg *config.Config) error {
	allowPrivate := cfg.Security.SSRFProtection.AllowPrivateIPs
	for _, p := range cfg.Providers {
		if p.BaseURL == "" {
			continue
		}
		if err := admission.ValidateProviderURL(p.BaseURL, allowPrivate); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}
	return nil
}

// StopCmd signals a daemonized proxy to shut down.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	cfg, err := config.Load(ctx.ConfigPath)
	if err != nil {
		return err
	}
	paths := derivePaths(cfg)

	data, err := os.ReadFile(paths.PidFile)
	if err != nil {
		L_info("proxy not running")
		return nil
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return fmt.Errorf("unreadable pid file %s: %w", paths.PidFile, err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	L_info("proxy stopped", "pid", pid)
	os.Remove(paths.PidFile)
	return nil
}

// ValidateConfigCmd checks the config file without starting anything.
type ValidateConfigCmd struct {
	Query string `help:"jq expression to run against the resolved config" short:"q"`
}

func (v *ValidateConfigCmd) Run(ctx *Context) error {
	cfg, err := config.Load(ctx.ConfigPath)
	if err != nil {
		return err
	}
	if v.Query != "" {
		out, err := config.Query(cfg, v.Query)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}
	fmt.Printf("%s: ok (%d providers, default route %s)\n", ctx.ConfigPath, len(cfg.Providers), cfg.Router.Default)
	return nil
}

// ValidateTaxonomyCmd parses and compiles the taxonomy directory.
type ValidateTaxonomyCmd struct {
	Dir string `help:"Taxonomy directory (defaults to the configured one)" type:"path"`
}

func (v *ValidateTaxonomyCmd) Run(ctx *Context) error {
	dir := v.Dir
	if dir == "" {
		cfg, err := config.Load(ctx.ConfigPath)
		if err != nil {
			return err
		}
		dir = cfg.Taxonomy.Dir
	}
	_, entries, err := taxonomy.LoadAndBuild(dir)
	if err != nil {
		return err
	}
	patterns := 0
	for _, e := range entries {
		patterns += len(e.Synonyms)
	}
	fmt.Printf("%s: ok (%d scenarios, %d patterns)\n", dir, len(entries), patterns)
	return nil
}

// CredentialsCmd manages OAuth token bundles.
type CredentialsCmd struct {
	Import CredentialsImportCmd `cmd:"" help:"Seed a credential bundle from a pasted refresh token"`
}

// CredentialsImportCmd prompts for a refresh token (masked when stdin is a
// terminal) and writes the initial bundle; the proxy refreshes it into a
// live access token on first use.
type CredentialsImportCmd struct {
	Account string `arg:"" help:"Account name, matching a [oauth.<name>] config table"`
}

func (c *CredentialsImportCmd) Run(ctx *Context) error {
	cfg, err := config.Load(ctx.ConfigPath)
	if err != nil {
		return err
	}
	if _, ok := cfg.OAuth[c.Account]; !ok {
		return fmt.Errorf("no [oauth.%s] table in config", c.Account)
	}

	fmt.Fprintf(os.Stderr, "Refresh token for %s: ", c.Account)
	token, err := readSecret()
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	if len(token) == 0 {
		return fmt.Errorf("empty token")
	}

	mgr := tokenmgr.NewManager(cfg.Credentials.Dir, nil)
	bundle := &tokenmgr.Bundle{RefreshToken: strings.TrimSpace(string(token))}
	if err := mgr.Put(c.Account, bundle); err != nil {
		return err
	}
	fmt.Printf("credential bundle for %q written under %s\n", c.Account, cfg.Credentials.Dir)
	return nil
}

// readSecret reads a line from stdin without echoing when attached to a
// terminal.
func readSecret() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return term.ReadPassword(fd)
	}
	var secret string
	if _, err := fmt.Scanln(&secret); err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return []byte(secret), nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(*Context) error {
	fmt.Println("llmproxy", version)
	return nil
}
