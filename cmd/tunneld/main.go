package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/tunneld/internal/daemon"
	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/mirror"
	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/ratelimit"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(); err != nil {
		obs.Error("daemon.fatal", obs.Fields{"err": err.Error(), "cause": obs.ErrorChain(err)})
		os.Exit(1)
	}
	obs.Info("daemon.shutdown.complete", obs.Fields{})
}

// health backs /readyz.
type health struct {
	ready   atomic.Bool
	closing atomic.Bool
}

func run() error {
	fc, err := loadFileConfig(cfg.ConfigFile, cfg)
	if err != nil {
		return err
	}
	obs.Info("daemon.start", obs.Fields{"rpc": cfg.RPCAddr, "metrics": cfg.MetricsAddr, "remotes": len(fc.Remotes)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var h health
	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, &h)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	opts := management.Options{Addr: cfg.RPCAddr}
	if cfg.RPCRate > 0 {
		opts.Limiter = ratelimit.NewLimiter(0, cfg.RPCRate, cfg.RPCBurst)
	}
	if cfg.RedisAddr != "" {
		m, err := mirror.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer m.Close()
		opts.Mirrors = append(opts.Mirrors, m)
		obs.Info("mirror.redis.enabled", obs.Fields{"addr": cfg.RedisAddr})
	}

	d, err := daemon.New(daemon.Options{
		Remotes:         fc.Remotes,
		Tunnels:         &fc.OpenVPN,
		StartManagement: daemon.StartWebSocketManagement(opts),
	})
	if err != nil {
		return err
	}
	if cfg.RPCAddressFile != "" {
		if err := writeAddressFile(cfg.RPCAddressFile, d.ManagementAddress()); err != nil {
			return err
		}
		defer os.Remove(cfg.RPCAddressFile)
	}

	h.ready.Store(true)
	obs.Info("daemon.ready", obs.Fields{"rpc": d.ManagementAddress()})
	err = d.Run(ctx)
	h.closing.Store(true)
	return err
}

func writeAddressFile(path, addr string) error {
	if err := os.WriteFile(path, []byte(addr+"\n"), 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0o600)
}

// startMetricsServer serves Prometheus metrics and simple health endpoints.
func startMetricsServer(addr string, h *health) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if h.closing.Load() || !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}
