// Command sero is a scale-to-zero TCP ingress proxy: it fronts a single
// Kubernetes Deployment/Service pair, scales the Deployment to zero when
// idle, and transparently activates it again on the next connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/sero-proxy/sero/internal/activation"
	"github.com/sero-proxy/sero/internal/config"
	"github.com/sero-proxy/sero/internal/gate"
	"github.com/sero-proxy/sero/internal/idlewatch"
	"github.com/sero-proxy/sero/internal/lastseen"
	"github.com/sero-proxy/sero/internal/metrics"
	"github.com/sero-proxy/sero/internal/proxy"
	"github.com/sero-proxy/sero/internal/router"
	"github.com/sero-proxy/sero/internal/scaler"
)

func main() {
	var configPath string
	var metricsAddr string
	var kubeconfig string

	flag.StringVar(&configPath, "config", getEnvOrDefault("SERO_CONFIG", "/etc/sero/config.yaml"), "Path to the proxy's config file")
	flag.StringVar(&metricsAddr, "metrics-addr", getEnvOrDefault("SERO_METRICS_ADDR", ":9090"), "Metrics endpoint address")
	flag.StringVar(&kubeconfig, "kubeconfig", os.Getenv("KUBECONFIG"), "Path to a kubeconfig file; empty uses in-cluster config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	klog.SetLogger(logr.FromSlogHandler(logger.Handler()))

	if err := run(logger, configPath, metricsAddr, kubeconfig); err != nil {
		logger.Error("sero exited with error", "error", err)
		os.Exit(1)
	}
}

// connectionDrainGrace bounds how long a SIGTERM'd process waits for
// in-flight connections to finish their byte-copy before exiting anyway
// (spec.md §5 "Cancellation & shutdown").
const connectionDrainGrace = 30 * time.Second

func run(logger *slog.Logger, configPath, metricsAddr, kubeconfig string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config.Load(%s): %w", configPath, err)
	}

	namespace, err := currentNamespace()
	if err != nil {
		return fmt.Errorf("currentNamespace: %w", err)
	}

	restConfig, err := buildRESTConfig(kubeconfig)
	if err != nil {
		return fmt.Errorf("buildRESTConfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("kubernetes.NewForConfig: %w", err)
	}

	backendAddr := fmt.Sprintf("%s:%d", cfg.Target.Service.Name, cfg.Target.Service.Port)
	logger.Info("listening", "address", cfg.Host)
	logger.Info("proxying requests", "backend", backendAddr)
	logger.Info("target deployment", "deployment", cfg.Target.Deployment)

	reg := prometheus.NewRegistry()
	metric := metrics.New(reg)

	watcher := config.NewWatcher(configPath, cfg, logger.With("component", "config"))

	g := gate.New(true)
	sc := scaler.New(client, namespace, cfg.Target.Deployment, logger.With("component", "scaler"))
	rt := router.New(client, namespace, cfg.Target.Service.Name, cfg.Target.Deployment, cfg.Target.Service.Port, logger.With("component", "router"))

	slice, err := rt.EnsureSlice(context.Background())
	if err != nil {
		return fmt.Errorf("rt.EnsureSlice: %w", err)
	}
	logger.Info("endpoint slice ready", "slice", slice)

	scaleUpDeadline := func() time.Duration {
		return time.Duration(watcher.Current().Target.Timeout.ScaleUp) * time.Millisecond
	}
	scaleDownInterval := func() time.Duration {
		return time.Duration(watcher.Current().Target.Timeout.ScaleDown) * time.Millisecond
	}

	controller := activation.New(g, rt, sc, scaleUpDeadline, metric, logger.With("component", "activation"))

	ls := lastseen.New()
	proxySrv := proxy.New(backendAddr, g, controller, ls, metric, logger.With("component", "proxy"))
	idle := idlewatch.New(ls, controller, scaleDownInterval, logger.With("component", "idlewatch"))

	listener, err := net.Listen("tcp", cfg.Host)
	if err != nil {
		return fmt.Errorf("net.Listen(%s): %w", cfg.Host, err)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return controller.Run(egCtx) })
	eg.Go(func() error { return idle.Run(egCtx) })
	eg.Go(func() error { return watcher.Run(egCtx) })
	eg.Go(func() error {
		runErr := proxySrv.Run(egCtx, listener)
		drainCtx, cancel := context.WithTimeout(context.Background(), connectionDrainGrace)
		defer cancel()
		if err := proxySrv.Shutdown(drainCtx); err != nil {
			logger.Warn("connections still in flight at shutdown deadline", "error", err)
		}
		return runErr
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metricsSrv.ListenAndServe: %w", err)
		}
		return nil
	})

	logger.Info("sero started", "metrics_addr", metricsAddr)

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildRESTConfig prefers an explicit kubeconfig path, then falls back to
// in-cluster config, mirroring ctrl.GetConfigOrDie's resolution order
// without pulling in controller-runtime for it.
func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

// currentNamespace returns POD_NAMESPACE when it is set (for local
// development), and otherwise reads the namespace this process runs in
// from the same projected service account file client-go's in-cluster
// config uses.
func currentNamespace() (string, error) {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns, nil
	}
	data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace")
	if err != nil {
		return "", fmt.Errorf("reading in-cluster namespace: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
