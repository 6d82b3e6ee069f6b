package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/fedround/internal/cluster"
	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/logutil"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/partition"
	"github.com/dreamware/fedround/internal/storage"
	"github.com/dreamware/fedround/internal/worker"
)

func main() {
	if err := newCmdWorker().Execute(); err != nil {
		os.Exit(1)
	}
}

// options defines the flags of the worker command.
type options struct {
	configPath string
	rank       int
	addr       string
	peers      string
	dataPath   string
	cacheBytes int
	logLevel   string
	logFile    string

	cfg *config.RunConfig
}

func newOptions() *options {
	return &options{
		rank:       -1,
		addr:       getenv("WORKER_ADDR", ""),
		peers:      getenv("FEDROUND_PEERS", ""),
		dataPath:   getenv("FEDROUND_DATA", ""),
		cacheBytes: partition.DefaultCacheBytes,
		cfg:        config.Default(),
	}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "path of the run configuration file, for the model and log sections")
	cmd.Flags().IntVar(&o.rank, "rank", o.rank, "rank of this worker, $WORKER_RANK when unset")
	cmd.Flags().StringVar(&o.addr, "addr", o.addr, "listen address, defaults to the rank's entry in --peers")
	cmd.Flags().StringVar(&o.peers, "peers", o.peers, "rank table of the run, e.g. 0=host:port,1=host:port")
	cmd.Flags().StringVar(&o.dataPath, "data", o.dataPath, "path of the client manifest")
	cmd.Flags().IntVar(&o.cacheBytes, "cache-bytes", o.cacheBytes, "memory budget of the partition cache, 0 for unbounded")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&o.logFile, "log-file", "", "log file path")
}

// complete validates the flags and loads the configuration file.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-level":
			cfg.Log.Level = o.logLevel
		case "log-file":
			cfg.Log.File = o.logFile
		case "config", "rank", "addr", "peers", "data", "cache-bytes":
			// used directly
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if o.rank < 0 {
		v := os.Getenv("WORKER_RANK")
		if v == "" {
			return ferrors.ErrInvalidConfig.GenWithStackByArgs("--rank or $WORKER_RANK is required")
		}
		rank, err := strconv.Atoi(v)
		if err != nil {
			return ferrors.ErrInvalidConfig.GenWithStackByArgs("bad $WORKER_RANK " + strconv.Quote(v))
		}
		o.rank = rank
	}
	if cluster.RoleOf(cluster.Rank(o.rank)) != cluster.RoleWorker {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("worker rank must be positive, got " + strconv.Itoa(o.rank))
	}
	if o.peers == "" {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--peers is required")
	}
	if o.dataPath == "" {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--data is required")
	}
	if o.cacheBytes < 0 {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--cache-bytes must not be negative")
	}
	o.cfg = cfg
	return nil
}

// run serves the worker rank until the coordinator terminates it or the
// process is interrupted.
func (o *options) run(ctx context.Context) error {
	if err := logutil.InitLogger(o.cfg.Log); err != nil {
		return errors.Trace(err)
	}
	peers, err := cluster.ParsePeers(o.peers)
	if err != nil {
		return err
	}
	fabric, err := cluster.NewHTTPFabric(cluster.HTTPConfig{
		Rank:       cluster.Rank(o.rank),
		Peers:      peers,
		ListenAddr: o.addr,
	})
	if err != nil {
		return err
	}
	defer fabric.Close()

	loader := partition.NewCacheWithStore(partition.NewManifestLoader(o.dataPath), storage.NewLRUStore(o.cacheBytes))
	w, err := worker.New(fabric, loader, model.NewLinearTask(o.cfg.Model))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	cluster.InitMetrics(reg)
	worker.InitMetrics(reg)
	w.RegisterRoutes(fabric.Router(), reg)
	if err := fabric.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		select {
		case sig := <-stop:
			log.Info("signal received, stopping", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	err = w.Run(ctx)
	stats := loader.Stats()
	log.Info("worker exited",
		zap.Int("rank", o.rank),
		zap.Uint64("cacheHits", stats.Hits),
		zap.Uint64("cacheMisses", stats.Misses),
		zap.Uint64("cacheEvictions", stats.Evictions),
		zap.Error(err))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newCmdWorker() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:          "worker",
		Short:        "Run a worker rank of a federated training run",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd.Context())
		},
	}
	o.addFlags(command)
	return command
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
