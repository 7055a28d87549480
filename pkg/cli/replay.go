package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/mqtt-recorder/pkg/broker"
	"github.com/getmockd/mqtt-recorder/pkg/config"
	"github.com/getmockd/mqtt-recorder/pkg/replay"
)

// replayFlags holds all flags for the replay command.
type replayFlags struct {
	dir       string
	speed     float64
	startTime string
	endTime   string
	loop      bool
	topic     string
}

var replayFlagVals replayFlags

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Publish recorded messages with their original timing",
	Long: `Find every recording below --dir, play the files in path order and publish
each message, waiting the recorded gap between messages divided by --speed.

--start-time and --end-time ("YYYY-MM-DD HH:MM", local time) select files by
the timestamp in their name. With --loop the replay restarts until interrupted.`,
	Example: `  # Replay twice as fast
  mqtt-recorder replay -d ./recordings -s 2

  # One hour of sensor traffic, forever
  mqtt-recorder replay -d ./recordings --start-time "2025-06-01 10:00" \
    --end-time "2025-06-01 11:00" --topic 'sensors/#' -l`,
	Args: cobra.NoArgs,
	RunE: runReplayCommand,
}

func init() {
	f := &replayFlagVals

	replayCmd.Flags().StringVarP(&f.dir, "dir", "d", ".", "Directory containing recordings")
	replayCmd.Flags().Float64VarP(&f.speed, "speed", "s", 1.0, "Playback speed factor")
	replayCmd.Flags().StringVar(&f.startTime, "start-time", "", `Skip files before this time ("YYYY-MM-DD HH:MM")`)
	replayCmd.Flags().StringVar(&f.endTime, "end-time", "", `Skip files after this time ("YYYY-MM-DD HH:MM")`)
	replayCmd.Flags().BoolVarP(&f.loop, "loop", "l", false, "Repeat until interrupted")
	replayCmd.Flags().StringVar(&f.topic, "topic", "", "Only replay topics matching this filter (+ and # wildcards)")

	rootCmd.AddCommand(replayCmd)
}

func applyReplayFlags(fs *pflag.FlagSet, f *replayFlags, cfg *config.Config) {
	set := func(name, key string, apply func()) {
		if fs.Changed(name) {
			apply()
			cfg.SetSource(key, config.SourceFlag)
		}
	}

	set("dir", "replay.dir", func() { cfg.Replay.Dir = f.dir })
	set("speed", "replay.speed", func() { cfg.Replay.Speed = f.speed })
	set("start-time", "replay.startTime", func() { cfg.Replay.StartTime = f.startTime })
	set("end-time", "replay.endTime", func() { cfg.Replay.EndTime = f.endTime })
	set("loop", "replay.loop", func() { cfg.Replay.Loop = f.loop })
	set("topic", "replay.topic", func() { cfg.Replay.Topic = f.topic })
}

func runReplayCommand(cmd *cobra.Command, _ []string) error {
	cfg, log, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	applyReplayFlags(cmd.Flags(), &replayFlagVals, cfg)
	if err := cfg.ValidateReplay(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runReplay(ctx, cfg, log)
}

// runReplay connects and replays until the replay completes, ctx is
// cancelled or the broker connection is lost.
func runReplay(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	start, end, err := cfg.ReplayWindow(time.Local)
	if err != nil {
		return err
	}

	client, err := broker.Dial(ctx, brokerOptions(cfg), log.With("component", "broker"))
	if err != nil {
		return err
	}
	defer client.Close()

	engine, err := replay.New(client, replay.Options{
		Dir:    cfg.Replay.Dir,
		Speed:  cfg.Replay.Speed,
		Start:  start,
		End:    end,
		Loop:   cfg.Replay.Loop,
		Topic:  cfg.Replay.Topic,
		Logger: log.With("component", "replay"),
	})
	if err != nil {
		return err
	}

	log.Info("replaying",
		"dir", cfg.Replay.Dir,
		"speed", cfg.Replay.Speed,
		"loop", cfg.Replay.Loop)

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return engine.Run(gctx)
	})
	g.Go(func() error {
		select {
		case lostErr := <-client.Lost():
			return fmt.Errorf("broker connection lost: %w", lostErr)
		case <-done:
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("replay finished")
	return nil
}
