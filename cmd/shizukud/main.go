// shizukud is the on-device permission broker daemon.
//
// It mediates elevated-capability access between installed applications
// and the platform trust boundary: apps request elevated access over the
// public socket, a consent helper gates each new grant, and granted apps
// receive session tokens usable for elevated operations such as
// subprocess execution. A separate management socket serves the system
// Settings UI.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shizukud/internal/broker"
	"shizukud/internal/compat"
	"shizukud/internal/config"
	"shizukud/internal/consent"
	"shizukud/internal/events"
	"shizukud/internal/ipc"
	"shizukud/internal/keystore"
	"shizukud/internal/lifecycle"
	"shizukud/internal/logging"
	"shizukud/internal/manager"
	"shizukud/internal/metrics"
	"shizukud/internal/pkgdb"
	"shizukud/internal/store"
	"shizukud/internal/supervisor"
)

const version = "1.0.0"

var (
	configPath  = flag.String("config", "", "path to config file (toml/yaml/json)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("shizukud " + version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shizukud:", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:    logging.ParseLevel(cfg.Logging.Level),
		Format:   logging.ParseFormat(cfg.Logging.Format),
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Component("daemon")
	log.Info("starting shizukud", "version", version, "data_dir", cfg.DataDir)

	// Master key and store.
	ks, err := keystore.Open(selectKeyProvider(cfg, logger))
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer ks.Close()

	st, err := store.Open(cfg.DataDir, ks, logger.Component("store"))
	if err != nil {
		return err
	}
	if cfg.Archive.Enabled {
		archive, err := store.OpenArchive(cfg.ArchivePath(), ks.ArchiveKey())
		if err != nil {
			return fmt.Errorf("open audit archive: %w", err)
		}
		defer archive.Close()
		st.SetArchive(archive)
	}

	// Platform package database.
	resolver, err := pkgdb.Load(cfg.PackageDB)
	if err != nil {
		return fmt.Errorf("load package database: %w", err)
	}

	// Metrics.
	brokerMetrics := metrics.NewBroker()

	// Notification fan-out: D-Bus signal plus targeted IPC pushes. The
	// IPC leg is attached after the servers exist.
	var ipcNotify events.Notifier = events.Nop{}
	notify := events.Multi{
		events.Func(func(pkg string, userID int, granted bool) {
			if granted {
				brokerMetrics.GrantsIssued.Inc()
			} else {
				brokerMetrics.GrantsRevoked.Inc()
			}
			ipcNotify.PermissionChanged(pkg, userID, granted)
		}),
	}
	if cfg.Events.DBus {
		bus, err := events.NewBusNotifier(logger.Component("events"))
		if err != nil {
			log.Warn("dbus notifier unavailable", "error", err)
		} else {
			defer bus.Close()
			notify = append(notify, bus)
		}
	}

	// Engine, manager, supervisor, compat.
	sessions := broker.NewSessions(st, notify, logger.Component("sessions"))
	prompter := &consent.ExecPrompter{
		Command: cfg.Consent.Command,
		Timeout: time.Duration(cfg.Consent.TimeoutSec) * time.Second,
		Log:     logger.Component("consent"),
	}
	engine := broker.New(broker.Config{
		Store:    st,
		Sessions: sessions,
		Resolver: resolver,
		Prompter: prompter,
		Notifier: notify,
		Log:      logger.Component("engine"),
	})
	mgr := manager.New(manager.Config{
		Store:         st,
		Sessions:      sessions,
		Notifier:      notify,
		Log:           logger.Component("manager"),
		UIDs:          cfg.Manager.UIDs,
		CrossUserUIDs: cfg.Manager.CrossUserUIDs,
	})
	sup := supervisor.New(supervisor.Config{
		Store:       st,
		Resolver:    resolver,
		Log:         logger.Component("supervisor"),
		MaxGlobal:   cfg.Supervisor.MaxGlobal,
		MaxPerOwner: cfg.Supervisor.MaxPerOwner,
	})
	defer sup.Shutdown()

	props, err := compat.OpenProperties(cfg.PropertiesPath())
	if err != nil {
		return err
	}
	shim := compat.New(compat.Config{
		Engine:     engine,
		Store:      st,
		Supervisor: sup,
		Resolver:   resolver,
		Properties: props,
		Log:        logger.Component("compat"),
	})

	// IPC surfaces.
	startedAt := time.Now().UnixMilli()
	public := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.IPC.PublicSocket,
		Mode:       0666,
		Name:       "public",
	}, &publicHandler{
		engine:  engine,
		shim:    shim,
		sup:     sup,
		metrics: brokerMetrics,
		log:     logger.Component("public"),
	}, logger.Component("ipc"))

	mgmt := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.IPC.ManagementSocket,
		Mode:       0600,
		Name:       "mgmt",
	}, &mgmtHandler{
		mgr:       mgr,
		store:     st,
		sessions:  sessions,
		sup:       sup,
		startedAt: startedAt,
		log:       logger.Component("mgmt"),
	}, logger.Component("ipc"))

	ipcNotify = &events.IPCNotifier{
		Public:   public,
		Mgmt:     mgmt,
		Resolver: resolver,
		Log:      logger.Component("events"),
	}

	if err := public.Start(); err != nil {
		return err
	}
	defer public.Stop()
	if err := mgmt.Start(); err != nil {
		return err
	}
	defer mgmt.Stop()

	// Boot reconciliation and package-database watching.
	hooks := lifecycle.New(st, logger.Component("lifecycle"))
	hooks.OnBootUnlocked()
	watcher := lifecycle.NewWatcher(cfg.PackageDB, resolver, hooks, logger.Component("lifecycle"))
	if err := watcher.Start(); err != nil {
		log.Warn("package database watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	// Optional metrics endpoint.
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", brokerMetrics.Registry.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics endpoint failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	// Config hot reload: logging settings only; everything else needs a
	// restart.
	loader.OnChange(func(next *config.Config) {
		replacement, err := logging.New(&logging.Config{
			Level:    logging.ParseLevel(next.Logging.Level),
			Format:   logging.ParseFormat(next.Logging.Format),
			Output:   next.Logging.Output,
			FilePath: next.Logging.FilePath,
		})
		if err != nil {
			log.Warn("config reload: logging unchanged", "error", err)
			return
		}
		logging.SetDefault(replacement)
		log.Info("config reloaded", "log_level", next.Logging.Level)
	})
	if *configPath != "" {
		if err := loader.Watch(); err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			defer loader.Close()
		}
	}

	log.Info("shizukud ready",
		"public_socket", cfg.IPC.PublicSocket,
		"management_socket", cfg.IPC.ManagementSocket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

// selectKeyProvider resolves the configured master-key provider, falling
// back to the key file when no TPM is usable.
func selectKeyProvider(cfg *config.Config, logger *logging.Logger) keystore.Provider {
	if cfg.Keystore.Provider == "tpm" {
		tpm := &keystore.TPMProvider{BlobPath: cfg.MasterKeyPath()}
		if tpm.Available() {
			return tpm
		}
		logger.Warn("no usable TPM, falling back to file keystore")
	}
	return &keystore.FileProvider{Path: cfg.MasterKeyPath()}
}
