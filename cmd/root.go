package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/watchlist/internal/config"
	"github.com/andresmejia3/watchlist/internal/logging"
	"github.com/andresmejia3/watchlist/internal/store"
)

// Options holds flag values shared by the run and verify commands.
// Zero values mean "use the config file".
type Options struct {
	InputPath             string
	OutputPath            string
	NumEngines            int
	ClipPercent           float64
	OnError               string
	VerificationThreshold float64
	DetectionThreshold    float64
	WorkerTimeout         string
	NoProgress            bool
}

var (
	// DB is the optional database connection shared by subcommands
	DB *store.Store
	// Logger is built from --log-level before any subcommand runs
	Logger *slog.Logger

	dbURL      string
	configPath string
	logLevel   string
	noColor    bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "watchlist",
	Short:   "Verify faces in a video against a watchlist of known people",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		Logger = logging.New(os.Stderr, level, noColor)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "watchlist.yaml", "Path to the watchlist config (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (results are not persisted when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored log output")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// resolveDBURL picks the connection string: --db, then the config/DATABASE_URL value,
// then the POSTGRES_* variables. Empty means persistence is off.
func resolveDBURL(fromConfig string) string {
	if dbURL != "" {
		return dbURL
	}
	if fromConfig != "" {
		return fromConfig
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return ""
}

// configDBURL reads database_url for commands that do not otherwise need the config file.
func configDBURL() string {
	if cfg, err := config.Load(configPath); err == nil {
		return cfg.DatabaseURL
	}
	return os.Getenv("DATABASE_URL")
}

// connectDB opens DB when a connection string is available. With required set,
// a missing connection string is an error.
func connectDB(ctx context.Context, fromConfig string, required bool) error {
	url := resolveDBURL(fromConfig)
	if url == "" {
		if required {
			return fmt.Errorf("no database configured: pass --db or set DATABASE_URL")
		}
		return nil
	}

	var err error
	DB, err = store.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// loadConfig reads the config file and applies flag overrides that were set explicitly.
func loadConfig(cmd *cobra.Command, opts Options) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("engines") {
		cfg.Engines = opts.NumEngines
	}
	if flags.Changed("clip-percent") {
		cfg.ClipPercent = opts.ClipPercent
	}
	if flags.Changed("on-error") {
		cfg.OnError = opts.OnError
	}
	if flags.Changed("threshold") {
		cfg.VerificationThreshold = opts.VerificationThreshold
	}
	if flags.Changed("detection-threshold") {
		cfg.DetectionThreshold = opts.DetectionThreshold
	}
	if flags.Changed("worker-timeout") {
		cfg.WorkerTimeout = opts.WorkerTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
