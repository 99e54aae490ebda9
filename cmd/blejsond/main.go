package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chaz8081/blejsond/internal/ble/driver"
	"github.com/chaz8081/blejsond/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blejsond/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Default config written to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	a, err := newApp(cfg, driver.New)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if cfg.Listen != "" {
		addr, err := a.serve(cfg.Listen)
		if err != nil {
			a.shutdown(context.Background())
			log.Fatalf("Failed to start API: %v", err)
		}
		slog.Info("[API] listening", "addr", addr.String())
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("sd_notify failed", "error", err)
	} else if ok {
		slog.Debug("notified systemd of readiness")
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig.String())
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.shutdown(ctx)
	slog.Info("stopped")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blejsond ===")
	for _, d := range cfg.Devices {
		name := d.Name
		if name == "" {
			name = "(default)"
		}
		fmt.Printf("  Device:    %s %q via %s on %s\n", d.ID, name, d.Driver, d.Adapter)
	}
	fmt.Printf("  Endpoints: %d\n", len(cfg.Endpoints))
	if cfg.Listen != "" {
		fmt.Printf("  API:       http://%s\n", cfg.Listen)
	} else {
		fmt.Println("  API:       disabled")
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
