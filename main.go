package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TKontu/vllm-gateway/internal/admission"
	"github.com/TKontu/vllm-gateway/internal/config"
	"github.com/TKontu/vllm-gateway/internal/containerrt"
	"github.com/TKontu/vllm-gateway/internal/footprint"
	"github.com/TKontu/vllm-gateway/internal/gateway"
	"github.com/TKontu/vllm-gateway/internal/gputelemetry"
	"github.com/TKontu/vllm-gateway/internal/httpapi"
	"github.com/TKontu/vllm-gateway/internal/launcher"
	"github.com/TKontu/vllm-gateway/internal/logging"
	"github.com/TKontu/vllm-gateway/internal/modelmeta"
	"github.com/TKontu/vllm-gateway/internal/proxy"
	"github.com/TKontu/vllm-gateway/internal/registry"
)

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	rootLog := logging.New(cfg.LogLevel)

	runtime, err := containerrt.New(rootLog.WithField("component", "containerrt"))
	if err != nil {
		log.Fatalf("failed to initialize container runtime: %v", err)
	}

	network := runtime.ResolveNetwork(ctx, cfg.GatewayContainerName, cfg.NetworkName)

	telemetry := gputelemetry.New(rootLog.WithField("component", "gputelemetry"))
	totalVRAMMiB := telemetry.TotalVRAMMiB(ctx)
	if totalVRAMMiB == 0 {
		rootLog.Warn("main: no GPU VRAM detected or nvidia-smi unavailable; VRAM accounting disabled")
	} else {
		rootLog.WithField("total_vram_mib", totalVRAMMiB).Info("main: GPU VRAM budget discovered")
	}

	footprints := footprint.Load(cfg.FootprintStorePath, rootLog.WithField("component", "footprint"))
	reg := registry.New()
	meta := modelmeta.New(http.DefaultClient, cfg.HostCacheDir, rootLog.WithField("component", "modelmeta"))
	launch := launcher.New(cfg, runtime, meta, network, rootLog.WithField("component", "launcher"))
	controller := admission.NewController(cfg, reg, footprints, telemetry, launch, totalVRAMMiB, rootLog.WithField("component", "admission"))
	forwarder := proxy.New()

	server := httpapi.NewServer(controller, forwarder, rootLog.WithField("component", "httpapi"))

	reaperEvery := time.Duration(cfg.ReaperIntervalSeconds) * time.Second
	if reaperEvery <= 0 {
		reaperEvery = 60 * time.Second
	}
	gw := gateway.New(cfg.ListenAddr, server.Handler(), controller, reaperEvery, rootLog.WithField("component", "gateway"))

	if err := gw.Run(ctx); err != nil {
		rootLog.WithError(err).Fatal("main: gateway exited with error")
	}
	rootLog.Info("main: vllm-gateway stopped")
}
