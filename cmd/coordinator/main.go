package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/logutil"
)

func main() {
	if err := newCmdCoordinator().Execute(); err != nil {
		os.Exit(1)
	}
}

// options defines the flags of the coordinator command.
type options struct {
	configPath   string
	dataPath     string
	modelDir     string
	addr         string
	peers        string
	localWorkers int
	logLevel     string
	logFile      string

	gradDirEps float64
	gradMagEps float64
	weightEps  float64

	cfg *config.RunConfig
}

func newOptions() *options {
	return &options{
		addr:     getenv("COORDINATOR_ADDR", ":8080"),
		peers:    getenv("FEDROUND_PEERS", ""),
		dataPath: getenv("FEDROUND_DATA", ""),
		cfg:      config.Default(),
	}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "path of the run configuration file")
	cmd.Flags().StringVar(&o.dataPath, "data", o.dataPath, "path of the client manifest")
	cmd.Flags().StringVar(&o.modelDir, "model-dir", "", "directory of the best and recovery checkpoints")
	cmd.Flags().StringVar(&o.addr, "addr", o.addr, "listen address of the fabric and status routes")
	cmd.Flags().StringVar(&o.peers, "peers", o.peers, "rank table of the run, e.g. 0=host:port,1=host:port")
	cmd.Flags().IntVar(&o.localWorkers, "local-workers", 0, "simulate the run with this many in-process workers")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&o.logFile, "log-file", "", "log file path")
	cmd.Flags().Float64Var(&o.gradDirEps, "dp-grad-dir-eps", 0, "override dp_config.grad_dir_eps")
	cmd.Flags().Float64Var(&o.gradMagEps, "dp-grad-mag-eps", 0, "override dp_config.grad_mag_eps")
	cmd.Flags().Float64Var(&o.weightEps, "dp-weight-eps", 0, "override dp_config.weight_eps")
}

// complete loads the configuration file and applies the flags set on the
// command line on top of it.
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
		case "model-dir":
			cfg.Server.ModelDir = o.modelDir
		case "log-level":
			cfg.Log.Level = o.logLevel
		case "log-file":
			cfg.Log.File = o.logFile
		case "config", "data", "addr", "peers", "local-workers",
			"dp-grad-dir-eps", "dp-grad-mag-eps", "dp-weight-eps":
			// used directly
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	cfg.OverrideDP(o.gradDirEps, o.gradMagEps, o.weightEps)
	if err := cfg.Adjust(); err != nil {
		return err
	}

	if o.dataPath == "" {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--data is required")
	}
	if o.localWorkers < 0 {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--local-workers must not be negative")
	}
	if o.localWorkers == 0 && o.peers == "" {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("either --peers or --local-workers is required")
	}
	if o.localWorkers > 0 && o.peers != "" {
		return ferrors.ErrInvalidConfig.GenWithStackByArgs("--peers and --local-workers are exclusive")
	}
	o.cfg = cfg
	return nil
}

// run starts the coordinator and blocks until the run ends or the process
// is interrupted.
func (o *options) run(ctx context.Context) error {
	if err := logutil.InitLogger(o.cfg.Log); err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		select {
		case sig := <-stop:
			log.Info("signal received, stopping after the current round", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	if o.localWorkers > 0 {
		err = o.runLocal(ctx)
	} else {
		err = o.runDistributed(ctx)
	}
	if err != nil {
		log.Error("coordinator exited with error", zap.Error(err))
		return err
	}
	log.Info("coordinator stopped")
	return nil
}

func newCmdCoordinator() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:          "coordinator",
		Short:        "Run the coordinator of a federated training run",
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
