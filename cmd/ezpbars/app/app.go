// Package app wires the modules into the running service: durable store,
// hot store, registry, predictor, sampler, usage tracker, intake, and the
// subscription fabric, all behind the HTTP API.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ezpbars/ezpbars/modules/fabric"
	"github.com/ezpbars/ezpbars/modules/intake"
	"github.com/ezpbars/ezpbars/modules/predictor"
	"github.com/ezpbars/ezpbars/modules/registry"
	"github.com/ezpbars/ezpbars/modules/sampler"
	"github.com/ezpbars/ezpbars/modules/usage"
	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/model"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

type App struct {
	cfg Config

	db      *pbardb.DB
	hot     *hotstate.Client
	reg     *registry.Registry
	engine  *predictor.Engine
	sampler *sampler.Sampler
	usage   *usage.Tracker
	intake  *intake.Intake
	sweeper *intake.Sweeper
	fabric  *fabric.Fabric
}

func New(cfg Config) (*App, error) {
	clk := clock.Real{}

	db, err := pbardb.Open(cfg.DB, clk)
	if err != nil {
		return nil, errors.Wrap(err, "opening durable store")
	}
	hot, err := hotstate.New(cfg.Hot)
	if err != nil {
		return nil, errors.Wrap(err, "connecting hot store")
	}

	reg := registry.New(db)
	engine := predictor.New(cfg.Predictor, db, hot, clk)
	reg.OnVersionBump(func(schema *model.BarSchema) {
		engine.FreezeBelow(schema.Bar.ID, schema.Bar.Version)
	})

	smp := sampler.New(cfg.Sampler, db, hot, engine, clk)
	tracker := usage.New(db, hot, clk)
	in := intake.New(cfg.Intake, reg, hot, smp, tracker, clk)

	a := &App{
		cfg:     cfg,
		db:      db,
		hot:     hot,
		reg:     reg,
		engine:  engine,
		sampler: smp,
		usage:   tracker,
		intake:  in,
		sweeper: intake.NewSweeper(in),
		fabric:  fabric.New(cfg.Fabric, hot, clk),
	}
	return a, nil
}

// Run starts the background services and serves the HTTP API until a
// shutdown signal arrives.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := services.NewManager(a.fabric, a.sweeper)
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}
	if err := services.StartManagerAndAwaitHealthy(ctx, mgr); err != nil {
		return errors.Wrap(err, "starting services")
	}

	router := mux.NewRouter()
	a.registerRoutes(router)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: a.cfg.HTTPListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		level.Info(log.Logger).Log("msg", "http server listening", "addr", a.cfg.HTTPListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	level.Info(log.Logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		level.Warn(log.Logger).Log("msg", "http shutdown incomplete", "err", err)
	}

	mgr.StopAsync()
	if err := mgr.AwaitStopped(shutdownCtx); err != nil {
		level.Warn(log.Logger).Log("msg", "services shutdown incomplete", "err", err)
	}

	if err := a.hot.Close(); err != nil {
		level.Warn(log.Logger).Log("msg", "closing hot store", "err", err)
	}
	return a.db.Close()
}
