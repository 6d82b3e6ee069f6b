package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fedround/internal/cluster"
	"github.com/dreamware/fedround/internal/coordinator"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/partition"
	"github.com/dreamware/fedround/internal/storage"
	"github.com/dreamware/fedround/internal/worker"
)

// healthInterval is how often worker ranks are health-checked in distributed mode.
const healthInterval = 5 * time.Second

// newRegistry returns a prometheus registry holding the metrics of every
// component running in this process.
func newRegistry(withWorkers bool) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cluster.InitMetrics(reg)
	coordinator.InitMetrics(reg)
	storage.InitMetrics(reg)
	if withWorkers {
		worker.InitMetrics(reg)
	}
	return reg
}

// coordinatorOptions describes the run without touching the disk. The
// coordinator reads the manifest, the held-out sets and the model directory
// once it holds the worker pool, so a bad path still terminates the workers.
func (o *options) coordinatorOptions() (coordinator.Options, *partition.ManifestLoader) {
	loader := partition.NewManifestLoader(o.dataPath)
	return coordinator.Options{
		Server:       o.cfg.Server,
		Client:       o.cfg.Client,
		DP:           o.cfg.DP,
		Model:        o.cfg.Model,
		ManifestPath: o.dataPath,
		ModelDir:     o.cfg.Server.ModelDir,
		Task:         model.NewLinearTask(o.cfg.Model),
		Data:         loader,
		Properties:   o.cfg.Properties(),
	}, loader
}

// runLocal simulates the run in this process: every worker rank is a
// goroutine on a MemoryHub.
func (o *options) runLocal(ctx context.Context) error {
	opts, loader := o.coordinatorOptions()
	hub := cluster.NewMemoryHub(o.localWorkers + 1)
	defer hub.Close()
	opts.Availability = coordinator.AvailabilityFunc(hub.Reachable)
	metrics := newRegistry(true)
	task := model.NewLinearTask(o.cfg.Model)

	var (
		ln  net.Listener
		err error
	)
	if o.addr != "" {
		ln, err = net.Listen("tcp", o.addr)
		if err != nil {
			return errors.Annotatef(err, "listen on %s", o.addr)
		}
		defer func() { _ = ln.Close() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r <= o.localWorkers; r++ {
		w, err := worker.New(hub.Fabric(cluster.Rank(r)), partition.NewCache(loader), task)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return errors.Annotatef(w.Run(gctx), "worker %d", r)
		})
	}
	g.Go(func() error {
		c, err := coordinator.New(gctx, hub.Fabric(cluster.CoordinatorRank), opts)
		if err != nil {
			return err
		}
		if ln != nil {
			defer serveStatus(ln, c, metrics)()
		}
		final, err := c.Run(gctx)
		if err != nil {
			return err
		}
		log.Info("simulation finished", zap.String("runID", c.RunID()), zap.Int("iteration", final.Iteration),
			zap.Any("testMetrics", c.TestMetrics()))
		return nil
	})
	return g.Wait()
}

// runDistributed drives workers in other processes over the HTTP fabric.
func (o *options) runDistributed(ctx context.Context) error {
	peers, err := cluster.ParsePeers(o.peers)
	if err != nil {
		return err
	}
	opts, _ := o.coordinatorOptions()
	fabric, err := cluster.NewHTTPFabric(cluster.HTTPConfig{
		Rank:       cluster.CoordinatorRank,
		Peers:      peers,
		ListenAddr: o.addr,
	})
	if err != nil {
		return err
	}
	defer fabric.Close()

	monitor := coordinator.NewHealthMonitor(healthInterval, clock.New())
	opts.Availability = monitor

	c, err := coordinator.New(ctx, fabric, opts)
	if err != nil {
		return err
	}
	c.RegisterRoutes(fabric.Router(), newRegistry(false))
	if err := fabric.Start(); err != nil {
		if aerr := c.Abort(ctx, err.Error()); aerr != nil {
			log.Warn("terminating workers failed", zap.Error(aerr))
		}
		return err
	}
	monitor.Start(ctx, fabric.Peers())
	defer monitor.Stop()

	final, err := c.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("run finished", zap.String("runID", c.RunID()), zap.Int("iteration", final.Iteration),
		zap.Any("testMetrics", c.TestMetrics()))
	return nil
}

// serveStatus serves the coordinator routes on ln until the returned stop
// function is called.
func serveStatus(ln net.Listener, c *coordinator.Coordinator, metrics prometheus.Gatherer) func() {
	router := mux.NewRouter()
	c.RegisterRoutes(router, metrics)
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}
}
