// Package main implements the school_sync binary that keeps a local secondary store in
// sync with the central PostgreSQL primary store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/log"
	"github.com/smart-school/school_sync/internal/scheduler"
	"github.com/smart-school/school_sync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PrimaryDSN     string `short:"p" long:"primary-dsn" env:"SCHOOL_SYNC_PRIMARY_DSN" description:"PostgreSQL connection string of the primary store" validate:"required"`
	SecondaryDSN   string `short:"s" long:"secondary-dsn" env:"SCHOOL_SYNC_SECONDARY_DSN" description:"SQLite path or PostgreSQL connection string of the secondary store; empty runs in single-store mode"`
	EtcdDSN        string `short:"e" long:"etcd-dsn" env:"SCHOOL_SYNC_ETCD_DSN" description:"etcd connection string for change events"`
	EntitiesConfig string `long:"entities-config" env:"SCHOOL_SYNC_ENTITIES_CONFIG" description:"YAML file overriding entity sync settings"`

	LogLevel string `short:"l" long:"log-level" env:"SCHOOL_SYNC_LOG_LEVEL" description:"Log level: debug|info|warn|error" default:"info" validate:"oneof=trace debug info warn warning error"`
	LogJSON  bool   `long:"log-json" env:"SCHOOL_SYNC_LOG_JSON" description:"Write logs as JSON"`

	ProbeInterval  time.Duration `long:"probe-interval" env:"SCHOOL_SYNC_PROBE_INTERVAL" description:"Primary store health check interval" default:"30s" validate:"gt=0"`
	ProbeTimeout   time.Duration `long:"probe-timeout" env:"SCHOOL_SYNC_PROBE_TIMEOUT" description:"Primary store health check timeout" default:"5s" validate:"gt=0"`
	OutboxInterval time.Duration `long:"outbox-interval" env:"SCHOOL_SYNC_OUTBOX_INTERVAL" description:"Interval between outbox drain attempts" default:"10s" validate:"gt=0"`
	OutboxMaxSize  int           `long:"outbox-max-size" env:"SCHOOL_SYNC_OUTBOX_MAX_SIZE" description:"Maximum number of queued writes, 0 for unlimited" default:"0" validate:"min=0"`
	SyncInterval   time.Duration `long:"sync-interval" env:"SCHOOL_SYNC_SYNC_INTERVAL" description:"Periodic reconciliation interval" default:"30s" validate:"gt=0"`
	PassTimeout    time.Duration `long:"pass-timeout" env:"SCHOOL_SYNC_PASS_TIMEOUT" description:"Upper bound for one reconciliation pass" default:"5m" validate:"gt=0"`
	MirrorTimeout  time.Duration `long:"mirror-timeout" env:"SCHOOL_SYNC_MIRROR_TIMEOUT" description:"Upper bound for mirroring one write to the primary store" default:"10s" validate:"gt=0"`
	EventTTL       time.Duration `long:"event-ttl" env:"SCHOOL_SYNC_EVENT_TTL" description:"Lifetime of change events published to etcd" default:"10m" validate:"gt=0"`

	TimerPolicy         string   `long:"timer-policy" env:"SCHOOL_SYNC_TIMER_POLICY" description:"Periodic timer policy: per-tenant|shared" default:"per-tenant" validate:"oneof=per-tenant shared"`
	IneligiblePlatforms []string `long:"ineligible-platform" env:"SCHOOL_SYNC_INELIGIBLE_PLATFORMS" env-delim:"," description:"Client platform class that may not trigger sync (repeatable)" default:"mobile"`
	Tenants             []int64  `short:"t" long:"tenant" env:"SCHOOL_SYNC_TENANTS" env-delim:"," description:"Tenant (school) id to sync (repeatable)" validate:"required_if=Once true,dive,gt=0"`

	Once    bool `long:"once" description:"Run one full reconciliation pass for every --tenant and exit"`
	Migrate bool `long:"migrate" env:"SCHOOL_SYNC_MIGRATE" description:"Apply the schema to PostgreSQL stores at startup"`
	Version bool `short:"v" long:"version" description:"Show version information"`
	Help    bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// Validate checks option values that go-flags cannot
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ServiceConfig maps the options onto the sync service configuration
func (c *Config) ServiceConfig() sync.Config {
	return sync.Config{
		PrimaryDSN:          c.PrimaryDSN,
		SecondaryDSN:        c.SecondaryDSN,
		EtcdDSN:             c.EtcdDSN,
		EntitiesConfig:      c.EntitiesConfig,
		ProbeInterval:       c.ProbeInterval,
		ProbeTimeout:        c.ProbeTimeout,
		OutboxInterval:      c.OutboxInterval,
		OutboxMaxSize:       c.OutboxMaxSize,
		SyncInterval:        c.SyncInterval,
		PassTimeout:         c.PassTimeout,
		MirrorTimeout:       c.MirrorTimeout,
		EventTTL:            c.EventTTL,
		TimerPolicy:         scheduler.Policy(c.TimerPolicy),
		IneligiblePlatforms: c.IneligiblePlatforms,
		Migrate:             c.Migrate,
	}
}

// LoadEnvFiles exports variables from dotenv files; missing files are ignored
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("school_sync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("school_sync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// runOnce reconciles every tenant, writes each summary to out and reports whether all
// passes succeeded
func runOnce(ctx context.Context, s *sync.Service, tenants []int64, out io.Writer) bool {
	if !s.Monitor().Probe(ctx) {
		logrus.Error("Primary store is unreachable, nothing to reconcile")
		return false
	}
	ok := true
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, id := range tenants {
		resp := s.ForceSync(ctx, id)
		entry := logrus.WithField("tenant_id", id)
		if !resp.Success {
			ok = false
			entry.Error(resp.Message)
		} else {
			entry.Info(resp.Message)
		}
		if resp.Summary != nil {
			if err := enc.Encode(resp.Summary); err != nil {
				entry.WithError(err).Warn("Failed to write sync summary")
			}
		}
	}
	return ok
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	if err := LoadEnvFiles(".env"); err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	service, err := sync.Open(ctx, config.ServiceConfig())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open stores")
	}
	defer func() {
		if err := service.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close stores cleanly")
		}
	}()

	if config.Once {
		if !runOnce(ctx, service, config.Tenants, os.Stdout) {
			_ = service.Close()
			os.Exit(1)
		}
		return
	}

	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()

	// sessions opened on behalf of the daemon itself
	for _, id := range config.Tenants {
		resp := service.TriggerLoginSync(ctx, id, uuid.NewString(), scheduler.ClientContext{Platform: "server"})
		entry := logrus.WithField("tenant_id", id)
		if resp.Success {
			entry.Info(resp.Message)
		} else {
			entry.Warn(resp.Message)
		}
	}

	if err := <-done; err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
