package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/getmockd/mqtt-recorder/pkg/broker"
	"github.com/getmockd/mqtt-recorder/pkg/config"
	"github.com/getmockd/mqtt-recorder/pkg/logging"
)

// globalFlags holds the persistent flags shared by every command.
type globalFlags struct {
	address    string
	port       int
	cafile     string
	clientID   string
	qos        int
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	verbose    int
}

var (
	globals globalFlags

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mqtt-recorder",
	Short: "Record MQTT traffic to files and replay it later",
	Long: `mqtt-recorder subscribes to an MQTT broker and writes every message to
newline-delimited JSON files, optionally with per-topic payload statistics,
and replays those files onto a broker with their original relative timing.

Configuration can be provided via flags, MQTT_RECORDER_* environment
variables, or a YAML file given with --config.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	f := &globals
	pf := rootCmd.PersistentFlags()

	pf.StringVarP(&f.address, "address", "a", "localhost", "MQTT broker address")
	pf.IntVarP(&f.port, "port", "p", 1883, "MQTT broker port")
	pf.StringVarP(&f.cafile, "cafile", "c", "", "CA certificate file; enables TLS")
	pf.StringVar(&f.clientID, "client-id", "", "MQTT client id (default mqtt-recorder-<uuid>)")
	pf.IntVar(&f.qos, "qos", 1, "QoS used for subscriptions (0, 1 or 2)")
	pf.StringVar(&f.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&f.logFile, "log-file", "", "Also write JSON logs to this file")
	pf.CountVarP(&f.verbose, "verbose", "v", "Increase verbosity (repeatable)")
}

// loadConfig layers defaults, the config file, the environment and the
// flags the user set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	if path := config.FilePath(globals.configPath); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	config.ApplyEnv(cfg)
	applyGlobalFlags(cmd.Flags(), cfg)
	return cfg, nil
}

func applyGlobalFlags(fs *pflag.FlagSet, cfg *config.Config) {
	f := &globals
	set := func(name, key string, apply func()) {
		if fs.Changed(name) {
			apply()
			cfg.SetSource(key, config.SourceFlag)
		}
	}

	set("address", "broker.address", func() { cfg.Broker.Address = f.address })
	set("port", "broker.port", func() { cfg.Broker.Port = f.port })
	set("cafile", "broker.cafile", func() { cfg.Broker.CAFile = f.cafile })
	set("client-id", "broker.clientId", func() { cfg.Broker.ClientID = f.clientID })
	set("qos", "broker.qos", func() { cfg.Broker.QoS = f.qos })
	set("log-level", "log.level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", "log.format", func() { cfg.Log.Format = f.logFormat })
	set("log-file", "log.file", func() { cfg.Log.File = f.logFile })
}

// newLogger builds the process logger; -v lowers the configured level.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	return logging.Open(logging.Config{
		Level:  logging.VerbosityLevel(logging.ParseLevel(cfg.Log.Level), globals.verbose),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: stderr,
		File:   cfg.Log.File,
	})
}

func brokerOptions(cfg *config.Config) broker.Options {
	return broker.Options{
		Address:  cfg.Broker.Address,
		Port:     cfg.Broker.Port,
		CAFile:   cfg.Broker.CAFile,
		ClientID: cfg.Broker.ClientID,
	}
}

// setup loads the configuration and logger for a command.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debug("configuration loaded",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Address, cfg.Broker.Port),
		"brokerSource", cfg.Source("broker.address"),
		"logLevelSource", cfg.Source("log.level"))
	return cfg, log, closer, nil
}
