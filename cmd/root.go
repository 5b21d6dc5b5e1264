package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	cfgFile   string
	dbPath    string
	redisURL  string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "intelcore",
	Short: "Threat intelligence core: decaying user events, wildcard rules and plugin dispatch",
	Long: `Intelcore keeps analyst-submitted threat intelligence fresh and routes analysis work.

Features:
- Decaying user events (analyzables, domain wildcards, IP wildcards)
- Wildcard matching of ingested observables
- Job trees with tolerant root resolution
- Per user/organization plugin configuration and signature dispatch over Redis Streams
- Release update checks with administrator notifications`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.intelcore.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/intelcore.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL (empty disables Redis)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".intelcore" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".intelcore")
	}

	viper.SetEnvPrefix("INTELCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Set defaults
	viper.SetDefault("database.path", "./data/intelcore.db")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stderr")
	viper.SetDefault("decay.interval", "1h")
	viper.SetDefault("decay.lease_ttl", "10m")
	viper.SetDefault("ratelimit.interval", "1m")
	viper.SetDefault("stage.ci", false)
	viper.SetDefault("plugins.queues", []string{"default"})
	viper.SetDefault("update.url", "")
	viper.SetDefault("update.interval", "24h")
	viper.SetDefault("metrics.addr", ":9090")
	viper.SetDefault("signatures.max_len", 10000)
	viper.SetDefault("signatures.trim_interval", "10m")
}

// GetConfig returns the current configuration values
func GetConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("redis.url"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
			Output: viper.GetString("log.output"),
		},
		Decay: DecayConfig{
			Interval: viper.GetDuration("decay.interval"),
			LeaseTTL: viper.GetDuration("decay.lease_ttl"),
		},
		RateLimit: RateLimitConfig{
			Interval: viper.GetDuration("ratelimit.interval"),
		},
		Stage: StageConfig{
			CI: viper.GetBool("stage.ci"),
		},
		Plugins: PluginsConfig{
			Queues: viper.GetStringSlice("plugins.queues"),
		},
		Update: UpdateConfig{
			URL:            viper.GetString("update.url"),
			CurrentVersion: viper.GetString("update.current_version"),
			Interval:       viper.GetDuration("update.interval"),
		},
		Metrics: MetricsConfig{
			Addr: viper.GetString("metrics.addr"),
		},
		Signatures: SignaturesConfig{
			MaxLen:       viper.GetInt64("signatures.max_len"),
			TrimInterval: viper.GetDuration("signatures.trim_interval"),
		},
	}
}

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Decay      DecayConfig      `mapstructure:"decay"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Stage      StageConfig      `mapstructure:"stage"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
	Update     UpdateConfig     `mapstructure:"update"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Signatures SignaturesConfig `mapstructure:"signatures"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type DecayConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type RateLimitConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type StageConfig struct {
	CI bool `mapstructure:"ci"`
}

type PluginsConfig struct {
	Queues []string `mapstructure:"queues"`
}

type UpdateConfig struct {
	URL            string        `mapstructure:"url"`
	CurrentVersion string        `mapstructure:"current_version"`
	Interval       time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type SignaturesConfig struct {
	MaxLen       int64         `mapstructure:"max_len"`
	TrimInterval time.Duration `mapstructure:"trim_interval"`
}

// setup builds the logger and opens the store for a subcommand. The returned
// cleanup closes both.
func setup(cfg Config) (*zap.Logger, *store.Store, func(), error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	cleanup := func() {
		st.Close()
		_ = logger.Sync()
	}
	return logger, st, cleanup, nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// lookupUser resolves a username to its id.
func lookupUser(ctx context.Context, st *store.Store, name string) (*store.User, error) {
	if name == "" {
		return nil, errors.New("--user is required")
	}
	u, err := st.GetUserByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	return u, nil
}
