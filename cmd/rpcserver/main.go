// Command rpcserver serves the demo Calc service.
//
//	rpcserver --config rpcserver.yaml --listen :8972 --metrics :9100
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"rpcore/codec"
	"rpcore/config"
	"rpcore/metrics"
	"rpcore/middleware"
	"rpcore/registry"
	"rpcore/server"
	"rpcore/transport"
)

var logger = loggo.GetLogger("rpcore.cmd")

const shutdownTimeout = 10 * time.Second

// errAppStopped ends the process group when the application stops on its own.
const errAppStopped = errors.ConstError("application stopped")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rpcserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return errors.Trace(err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return errors.Trace(err)
	}

	app, err := transport.NewApplication(transport.Config{
		Workers:      cfg.Workers,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}

	promReg := prometheus.NewRegistry()
	col := metrics.New()
	promReg.MustRegister(col, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := newService(app, cfg, col)
	if err != nil {
		_ = app.Shutdown()
		return errors.Trace(err)
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(clientv3.Config{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: cfg.Registry.DialTimeout,
		}, cfg.Registry.Prefix)
		if err != nil {
			_ = app.Shutdown()
			return errors.Trace(err)
		}
		defer reg.Close()
		svc.SetRegistry(reg, cfg.AdvertiseAddr)
	}

	app.Register(svc)
	svc.SetBindAddr(cfg.ListenAddr)
	if !svc.Start() {
		_ = app.Shutdown()
		return errors.Errorf("cannot start %s on %s", svc.FullName(), cfg.ListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("metrics on http://%s/metrics", cfg.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Annotate(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Trace(httpSrv.Shutdown(sctx))
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-app.Dead():
			if err := app.Err(); err != nil {
				return errors.Annotate(err, "application died")
			}
			return errAppStopped
		}
	})

	err = g.Wait()
	logger.Infof("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := svc.Stop(sctx); serr != nil {
		logger.Warningf("%v", serr)
	}
	if serr := app.Shutdown(); err == nil {
		err = serr
	}
	if errors.Is(err, errAppStopped) {
		return nil
	}
	return errors.Trace(err)
}

func parseFlags(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("rpcserver", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML configuration file")
	listen := fs.String("listen", "", "address to serve RPC on")
	advertise := fs.String("advertise", "", "address published in the registry")
	metricsAddr := fs.String("metrics", "", "address to serve /metrics on")
	logLevel := fs.String("log-level", "", `loggo specification, e.g. "<root>=DEBUG"`)
	workers := fs.Int("workers", 0, "number of event loops (default GOMAXPROCS)")
	strategy := fs.String("strategy", "", "wire format: framed, varint or lines")
	codecName := fs.String("codec", "", "payload codec: json, binary or proto")
	timeout := fs.Duration("timeout", 0, "per-call timeout, 0 for none")
	etcd := fs.StringSlice("etcd", nil, "etcd endpoints to register with")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, errors.Trace(err)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, errors.Trace(err)
		}
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if fs.Changed("advertise") {
		cfg.AdvertiseAddr = *advertise
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("workers") {
		cfg.Workers = *workers
	}
	if fs.Changed("strategy") {
		cfg.Strategy = *strategy
	}
	if fs.Changed("codec") {
		cfg.Codec = *codecName
	}
	if fs.Changed("timeout") {
		cfg.Middleware.Timeout = *timeout
	}
	if fs.Changed("etcd") {
		cfg.Registry.Endpoints = *etcd
	}
	return cfg, errors.Trace(cfg.Validate())
}

func newService(app *transport.Application, cfg config.Config, col *metrics.Collector) (*server.Service, error) {
	svc, err := server.NewReflectService(app, "", &Calc{clock: clock.WallClock})
	if err != nil {
		return nil, errors.Trace(err)
	}
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch cfg.Strategy {
	case "framed":
		svc.SetStrategy(codec.Framed(codec.GetCodec(ct), codec.CodecTypeJSON))
	case "varint":
		svc.SetStrategy(codec.Varint(codec.GetCodec(ct)))
	case "lines":
		svc.SetStrategy(codec.Lines())
		svc.SetMethodSelector(codec.LineMethod)
	}

	svc.SetMetrics(col)
	svc.Use(middleware.Metrics(col, clock.WallClock), middleware.Logging(clock.WallClock))
	if cfg.Middleware.RateLimit > 0 {
		svc.Use(middleware.RateLimit(cfg.Middleware.RateLimit, cfg.Middleware.RateBurst))
	}
	if cfg.Middleware.Timeout > 0 {
		svc.Use(middleware.Timeout(clock.WallClock, cfg.Middleware.Timeout))
	}
	return svc, nil
}
