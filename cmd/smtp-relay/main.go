// Package main is the entry point for the SMTP relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-relay-lite/internal/config"
	"github.com/shineum/smtp-relay-lite/internal/directory"
	"github.com/shineum/smtp-relay-lite/internal/inbound"
	"github.com/shineum/smtp-relay-lite/internal/policy"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/resolver"
	"github.com/shineum/smtp-relay-lite/internal/smtp"
	"github.com/shineum/smtp-relay-lite/internal/store"
	relaytls "github.com/shineum/smtp-relay-lite/internal/tls"
	"github.com/shineum/smtp-relay-lite/internal/transport"
	"github.com/shineum/smtp-relay-lite/internal/transport/direct"
	"github.com/shineum/smtp-relay-lite/internal/transport/ses"
	"github.com/shineum/smtp-relay-lite/internal/transport/stdout"
)

// storeCleanupInterval is how often the badger value log is compacted.
const storeCleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-relay-lite stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	dir, err := directory.Load(cfg.Directory.UsersFile, cfg.Directory.BansFile)
	if err != nil {
		return fmt.Errorf("failed to load directory: %w", err)
	}
	users, banned := dir.Len()
	slog.Info("directory loaded", "users", users, "banned", banned)
	holder := directory.NewHolder(dir)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close message store", "error", err)
		}
	}()

	tr, err := selectTransporter(ctx, cfg)
	if err != nil {
		return err
	}

	res := resolver.New(resolver.Config{Nameservers: cfg.Relay.Nameservers})
	engine := relay.New(res, tr, relay.Config{
		LocalHost: cfg.SMTP.Hostname,
		Port:      cfg.Relay.Port,
	})

	tlsConfig, err := relaytls.LoadOrGenerateTLS(relaytls.Files{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		CAFile:   cfg.TLS.CAFile,
	}, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		TLSConfig:       tlsConfig,
		MaxMessageBytes: int64(cfg.SMTP.MaxMessageSize),
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		Policy: policy.NewEngine(holder, policy.Config{
			LocalHost:  cfg.SMTP.Hostname,
			RequireTLS: cfg.SMTP.TLSRequired,
		}),
		Acceptor: inbound.New(holder, st, engine, cfg.SMTP.Hostname),
	})

	slog.Info("starting smtp-relay-lite",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"transport", tr.Name(),
		"store", cfg.Store.Driver,
		"nameservers", res.Nameservers(),
		"tls_mode", tlsMode,
	)

	if b, ok := st.(*store.Badger); ok {
		go cleanupLoop(ctx, b)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					reloadDirectory(holder, cfg)
					continue
				}
				slog.Info("received signal, initiating shutdown", "signal", sig)
				cancel()
				return
			}
		}
	}()

	// Start the server (blocks until context is cancelled)
	return server.ListenAndServe(ctx)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openStore opens the configured message store.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		slog.Info("using in-memory message store")
		return store.NewMemory(), nil

	case config.StoreBadger:
		if cfg.Store.Path != "" {
			if err := os.MkdirAll(cfg.Store.Path, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		slog.Info("using badger message store", "path", cfg.Store.Path, "ttl", cfg.Store.TTL)
		return store.NewBadger(store.BadgerConfig{Dir: cfg.Store.Path, TTL: cfg.Store.TTL})

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// selectTransporter builds the outbound delivery backend named by
// relay.transport.
func selectTransporter(ctx context.Context, cfg *config.Config) (transport.Transporter, error) {
	switch cfg.Relay.Transport {
	case config.TransportDirect:
		clientTLS, err := relaytls.ClientConfig(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to setup outbound TLS: %w", err)
		}

		dcfg := direct.Config{Timeout: cfg.Relay.Timeout, TLSConfig: clientTLS}
		if cfg.DKIMConfigured() {
			signer, err := direct.LoadDKIMKey(cfg.DKIM.KeyFile)
			if err != nil {
				return nil, err
			}
			dcfg.DKIM = &direct.DKIMConfig{
				Domain:   cfg.DKIM.Domain,
				Selector: cfg.DKIM.Selector,
				Signer:   signer,
			}
		}

		slog.Info("using direct MX transport",
			"port", cfg.Relay.Port,
			"timeout", cfg.Relay.Timeout,
			"dkim", cfg.DKIMConfigured(),
		)
		return direct.New(dcfg), nil

	case config.TransportSES:
		slog.Info("using AWS SES transport", "region", cfg.SES.Region)
		t, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil

	case config.TransportStdout:
		slog.Info("using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.Relay.Transport)
	}
}

// reloadDirectory re-reads the user and ban files and publishes the new
// snapshot. On failure the current snapshot stays in place.
func reloadDirectory(holder *directory.Holder, cfg *config.Config) {
	dir, err := directory.Load(cfg.Directory.UsersFile, cfg.Directory.BansFile)
	if err != nil {
		slog.Error("failed to reload directory, keeping current", "error", err)
		return
	}
	holder.Swap(dir)

	users, banned := dir.Len()
	slog.Info("directory reloaded", "users", users, "banned", banned)
}

func cleanupLoop(ctx context.Context, b *store.Badger) {
	ticker := time.NewTicker(storeCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Cleanup(); err != nil {
				slog.Warn("message store cleanup failed", "error", err)
			}
		}
	}
}
