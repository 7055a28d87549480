package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/getmockd/mqtt-recorder/pkg/broker"
	"github.com/getmockd/mqtt-recorder/pkg/config"
	"github.com/getmockd/mqtt-recorder/pkg/message"
	"github.com/getmockd/mqtt-recorder/pkg/recorder"
	"github.com/getmockd/mqtt-recorder/pkg/scheduler"
	"github.com/getmockd/mqtt-recorder/pkg/stats"
)

// messageBuffer is how many received messages may queue ahead of the writer.
const messageBuffer = 1024

// recordFlags holds the flags of record and irecord.
type recordFlags struct {
	topics        []string
	dir           string
	sec           int
	stats         bool
	statsInterval int
	allTopics     bool
	maxMessages   int
	sync          bool
}

var (
	recordFlagVals  recordFlags
	irecordFlagVals recordFlags
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record messages into one file per minute",
	Long: `Subscribe to the given topics and append every message to
<dir>/<YYYY-MM-DD>/mqtt-recorder-<YYYY-MM-DD-HHMM>.json, starting a new file
each wall-clock minute.`,
	Example: `  mqtt-recorder record -t 'sensors/#' -d ./recordings`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRecordCommand(cmd, &recordFlagVals, false)
	},
}

var irecordCmd = &cobra.Command{
	Use:   "irecord",
	Short: "Record each topic into its own rotating files",
	Long: `Subscribe to the given topics and write every topic to its own stream of
files under <dir>/<topic>/<YYYY-MM-DD>/. A stream is closed after --sec seconds
without messages and the next message starts a new session; a stream that
reaches --max-messages continues in the next numbered file.

With --stats, JSON payloads are summarized per topic every --stats-interval
seconds: numeric fields report their variance, string and boolean fields their
distinct value count.`,
	Example: `  # Per-topic recording with statistics
  mqtt-recorder irecord -t 'sensors/#' -d ./recordings --stats

  # Also keep one combined stream of all topics
  mqtt-recorder irecord -t 'a/#' -t 'b/#' -d ./recordings --all-topics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRecordCommand(cmd, &irecordFlagVals, true)
	},
}

func init() {
	registerRecordFlags(recordCmd.Flags(), &recordFlagVals, false)
	registerRecordFlags(irecordCmd.Flags(), &irecordFlagVals, true)

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(irecordCmd)
}

func registerRecordFlags(fs *pflag.FlagSet, f *recordFlags, perTopic bool) {
	fs.StringArrayVarP(&f.topics, "topic", "t", nil, "Topic filter to subscribe to (repeatable)")
	fs.StringVarP(&f.dir, "dir", "d", ".", "Directory to write recordings to")
	if !perTopic {
		return
	}
	fs.IntVar(&f.sec, "sec", 30, "Seconds without messages before a topic's file is closed")
	fs.BoolVar(&f.stats, "stats", false, "Write per-topic payload statistics")
	fs.IntVar(&f.statsInterval, "stats-interval", 60, "Seconds per statistics window")
	fs.BoolVar(&f.allTopics, "all-topics", false, "Also record every message into one combined stream")
	fs.IntVar(&f.maxMessages, "max-messages", recorder.DefaultMaxMessagesPerFile, "Messages per file before rotating")
	fs.BoolVar(&f.sync, "sync", false, "fsync after every write")
}

func applyRecordFlags(fs *pflag.FlagSet, f *recordFlags, cfg *config.Config) {
	set := func(name, key string, apply func()) {
		if fs.Changed(name) {
			apply()
			cfg.SetSource(key, config.SourceFlag)
		}
	}

	set("topic", "record.topics", func() { cfg.Record.Topics = f.topics })
	set("dir", "record.dir", func() { cfg.Record.Dir = f.dir })
	set("sec", "record.idleTimeout", func() { cfg.Record.IdleTimeout = f.sec })
	set("stats", "record.stats", func() { cfg.Record.Stats = f.stats })
	set("stats-interval", "record.statsInterval", func() { cfg.Record.StatsInterval = f.statsInterval })
	set("all-topics", "record.allTopics", func() { cfg.Record.AllTopics = f.allTopics })
	set("max-messages", "record.maxMessages", func() { cfg.Record.MaxMessages = f.maxMessages })
	set("sync", "record.sync", func() { cfg.Record.Sync = f.sync })
}

func runRecordCommand(cmd *cobra.Command, f *recordFlags, perTopic bool) error {
	cfg, log, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	applyRecordFlags(cmd.Flags(), f, cfg)
	if err := cfg.ValidateRecord(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runRecord(ctx, cfg, perTopic, log)
}

// newSink builds the recorder for the chosen mode.
func newSink(cfg *config.Config, perTopic bool, log *slog.Logger) recorder.Sink {
	opts := recorder.Options{
		BaseDir:            cfg.Record.Dir,
		IdleTimeout:        cfg.IdleTimeout(),
		MaxMessagesPerFile: cfg.Record.MaxMessages,
		AllTopics:          cfg.Record.AllTopics,
		SyncWrites:         cfg.Record.Sync,
		Logger:             log.With("component", "recorder"),
	}
	if !perTopic {
		return recorder.NewMinuteRecorder(opts)
	}
	opts.Stats = stats.New(stats.Options{
		BaseDir:  cfg.Record.Dir,
		Enabled:  cfg.Record.Stats,
		Interval: cfg.StatsInterval(),
		Logger:   log.With("component", "stats"),
	})
	return recorder.NewStreamManager(opts)
}

// runRecord connects, subscribes and records until ctx is cancelled or the
// broker connection is lost.
func runRecord(ctx context.Context, cfg *config.Config, perTopic bool, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)

	client, err := broker.Dial(ctx, brokerOptions(cfg), log.With("component", "broker"))
	if err != nil {
		cancel()
		return err
	}
	defer client.Close()
	// cancel before Close so a handler blocked on a full buffer returns
	defer cancel()

	msgs := make(chan message.Record, messageBuffer)
	handler := func(r message.Record) {
		select {
		case msgs <- r:
		case <-ctx.Done():
		}
	}

	sink := newSink(cfg, perTopic, log)
	if err := client.Subscribe(ctx, cfg.Record.Topics, byte(cfg.Broker.QoS), handler); err != nil {
		_ = sink.Close()
		return err
	}

	ticks := make(chan struct{}, 1)
	sched := scheduler.New(scheduler.CleanupInterval(cfg.IdleTimeout()), scheduler.Notify(ticks), log)
	sched.Start()
	defer sched.Stop()

	log.Info("recording",
		"topics", cfg.Record.Topics,
		"dir", cfg.Record.Dir,
		"perTopic", perTopic,
		"stats", perTopic && cfg.Record.Stats)

	return recorder.Serve(ctx, sink, recorder.Inputs{
		Messages: msgs,
		Cleanup:  ticks,
		Lost:     client.Lost(),
	}, log)
}
