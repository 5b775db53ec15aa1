package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ipranges/internal/app/version"
	"ipranges/internal/config"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// Execute runs the command line in args. Machine-readable output goes to
// stdout, logs go to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	log.SetOutput(stderr)

	root, env := newRootCommand(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	// cobra skips post-run hooks on error; failed runs still report metrics
	if cmd != nil && cmd.Name() != "version" {
		env.finish(cmd.Name())
	}
	return err
}

type globalFlags struct {
	configPath string
	logLevel   string
	timeout    string
	retries    int
	backoff    string
}

func newRootCommand(stdout io.Writer) (*cobra.Command, *environment) {
	flags := &globalFlags{}
	env := &environment{stdout: stdout}

	cmd := &cobra.Command{
		Use:   "ipranges",
		Short: "Fetch Google IP range documents and export CIDR lists",
		Long: `ipranges downloads the published Google IP range documents, detects remote
updates through ETag / Last-Modified, exports deduplicated CIDR lists and
renders release notes for them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			env.init(cfg)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Settings file (YAML or JSON); defaults to ./ipranges.yaml when present")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.timeout, "timeout", "", "HTTP timeout, e.g. 30s or 30")
	pf.IntVar(&flags.retries, "retries", 3, "Attempts per download")
	pf.StringVar(&flags.backoff, "backoff", "", "Base linear backoff between attempts, e.g. 1s")

	cmd.AddCommand(
		newFetchCommand(env),
		newExportCommand(env),
		newCheckCommand(env),
		newNotesCommand(env),
		newSyncCommand(env),
		newVersionCommand(stdout),
	)

	return cmd, env
}

func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}

	pf := cmd.Flags()
	if pf.Changed("timeout") {
		d, err := config.ParseDuration(flags.timeout)
		if err != nil || d <= 0 {
			return config.Config{}, fmt.Errorf("invalid --timeout %q", flags.timeout)
		}
		cfg.Fetch.Timeout = config.Duration(d)
		cfg.Check.Timeout = config.Duration(d)
	}
	if pf.Changed("retries") {
		if flags.retries < 0 {
			return config.Config{}, fmt.Errorf("invalid --retries %d", flags.retries)
		}
		cfg.Fetch.Retries = flags.retries
	}
	if pf.Changed("backoff") {
		d, err := config.ParseDuration(flags.backoff)
		if err != nil || d < 0 {
			return config.Config{}, fmt.Errorf("invalid --backoff %q", flags.backoff)
		}
		cfg.Fetch.Backoff = config.Duration(d)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	level, err := log.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		log.Warn("Unknown log level, using info", "level", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)

	return cfg, nil
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(stdout, "ipranges %s (built %s)\n", info.BuildVersion, info.BuiltAt)
		},
	}
}
