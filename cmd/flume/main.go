package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/prxssh/flume/internal/elements" // register the standard classes
	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/pkg/logging"
)

var (
	flagWorkers int
	flagDebug   bool
	flagRate    int
	flagLimit   int64
	flagStats   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "flume",
		Short: "Modular router runtime",
		Long: "flume runs packet-processing graphs of elements connected " +
			"by push and pull ports, driven by stride-scheduled tasks.",
		PersistentPreRun: func(*cobra.Command, []string) { setupLogger() },
	}
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the built-in demo graph until interrupted",
		RunE:  runDemo,
	}
	runCmd.Flags().IntVar(&flagWorkers, "workers", 1, "worker threads")
	runCmd.Flags().IntVar(&flagRate, "rate", 100, "packets per second through the shaper")
	runCmd.Flags().Int64Var(&flagLimit, "limit", -1, "stop after this many packets (-1 = never)")
	runCmd.Flags().DurationVar(&flagStats, "stats", 5*time.Second, "stats reporting interval")

	classesCmd := &cobra.Command{
		Use:   "classes",
		Short: "List registered element classes",
		Run: func(*cobra.Command, []string) {
			fmt.Println(strings.Join(engine.DefaultRegistry.Classes(), "\n"))
		},
	}

	root.AddCommand(runCmd, classesCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	if flagDebug {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// runDemo wires source -> queue -> shaper -> counter -> sink and runs
// it until a signal arrives or the source hits its limit.
func runDemo(cmd *cobra.Command, _ []string) error {
	cfg := engine.DefaultConfig()
	cfg.Workers = flagWorkers

	master := engine.NewMaster(engine.MasterOpts{
		Config: cfg,
		Log:    slog.Default(),
	})

	eh := errh.New(slog.Default())
	r := master.NewRouter(nil)

	srcArgs := []string{"BURST 8"}
	if flagLimit >= 0 {
		srcArgs = append(srcArgs, fmt.Sprintf("LIMIT %d", flagLimit), "STOP true")
	}
	steps := []struct {
		class, name string
		args        []string
	}{
		{"InfiniteSource", "src", srcArgs},
		{"Queue", "q", []string{"CAPACITY 256"}},
		{"RatedUnqueue", "shaper", []string{fmt.Sprintf("RATE %d", flagRate)}},
		{"Counter", "c", nil},
		{"Discard", "sink", nil},
	}
	for _, s := range steps {
		if _, err := r.AddElement(s.class, s.name, s.args...); err != nil {
			return err
		}
	}
	chain := []string{"src", "q", "shaper", "c", "sink"}
	for i := 0; i+1 < len(chain); i++ {
		if err := r.Connect(chain[i], 0, chain[i+1], 0); err != nil {
			return err
		}
	}

	if err := r.Initialize(eh); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := master.InstallRouter(r); err != nil {
		return err
	}

	go reportStats(ctx, r, eh)

	slog.Info("demo graph running", "rate", flagRate, "workers", flagWorkers)
	return master.Run(ctx)
}

func reportStats(ctx context.Context, r *engine.Router, eh *errh.ErrorHandler) {
	if flagStats <= 0 {
		return
	}
	tick := time.NewTicker(flagStats)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		count, err := r.ReadHandler("c.count", eh)
		if err != nil {
			continue
		}
		qlen, _ := r.ReadHandler("q.length", eh)
		drops, _ := r.ReadHandler("q.drops", eh)
		slog.Info("stats", "count", count, "queue", qlen, "drops", drops)
	}
}
