package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgms/discovery"
	"github.com/ryandielhenn/zephyrgms/internal/config"
	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
	"github.com/ryandielhenn/zephyrgms/pkg/node"
	"github.com/ryandielhenn/zephyrgms/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("ZEPHYRGMS_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Start the transport and the member
	advertise := membership.Address(cfg.AdvertiseAddr())
	listen := func(h func(gms.Message)) (node.Transport, error) {
		return transport.ListenGRPC(cfg.Node.Addr, h,
			transport.WithLogger(log),
			transport.WithAdvertise(advertise))
	}
	n, err := node.New(cfg.Node.ID, node.Config{GMS: cfg.GMSConfig(), Detector: cfg.DetectorConfig()}, listen, log)
	if err != nil {
		log.Fatal("start node", zap.Error(err))
	}
	log.Info("[Boot] member created", zap.String("id", cfg.Node.ID), zap.Stringer("addr", n.Addr()))

	// 2. Register with etcd and follow the peer set
	if len(cfg.Etcd.Endpoints) > 0 {
		cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.Duration)
		if err != nil {
			log.Fatal("create etcd client", zap.Error(err))
		}
		defer cli.Close()
		log.Info("[Boot] created etcd client", zap.Strings("endpoints", cli.Endpoints()))

		reg := discovery.NewRegistry(cli, cfg.Etcd.Prefix, log)
		if err := reg.WatchPeers(ctx, func(peers map[string]string) {
			log.Debug("[WatchPeers] peer set changed", zap.Int("peers", len(peers)))
			n.SetPeers(peers)
		}); err != nil {
			log.Fatal("watch peers", zap.Error(err))
		}
		_, cancel, err := reg.Register(ctx, cfg.Node.ID, string(n.Addr()), cfg.Etcd.LeaseTTL)
		if err != nil {
			log.Fatal("register", zap.Error(err))
		}
		defer cancel()
	}

	// 3. Join the group and start failure detection
	contacts := make([]membership.Address, 0, len(cfg.Node.Contacts))
	for _, c := range cfg.Node.Contacts {
		contacts = append(contacts, membership.Address(node.NormalizeHostPort(c, "7946")))
	}
	if err := n.Join(ctx, contacts...); err != nil {
		log.Fatal("join", zap.Error(err))
	}
	n.Start(ctx)
	log.Info("[Boot] joined", zap.Stringer("view", n.View()))

	// 4. Wire up HTTP admin endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/join", telemetry.Instrument("join", http.HandlerFunc(n.JoinHandler)))
	mux.Handle("/leave", telemetry.Instrument("leave", http.HandlerFunc(n.LeaveHandler)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: mux}
	go func() {
		log.Info("ZephyrGMS admin listening", zap.String("addr", cfg.Node.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// 5. Leave gracefully, then tear down
	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.GMS.LeaveTimeout.Duration)
	defer cancel()
	if err := n.Leave(leaveCtx); err != nil && !errors.Is(err, gms.ErrNotMember) {
		log.Warn("leave", zap.Error(err))
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := n.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
