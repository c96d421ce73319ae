// Command chrome-interop serves a page that sends camera video from Chrome
// to a Pion receiver whose REMB interceptor drives Chrome's send rate.
//
// Usage:
//
//	go run ./cmd/chrome-interop
//	go run ./cmd/chrome-interop --config remb.yaml --http.listen :9000
//
// Then open chrome://webrtc-internals and http://localhost:8080 in Chrome,
// click "Start Call" and watch availableOutgoingBitrate follow the REMB
// values logged by the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/cmd/chrome-interop/server"
	"github.com/thesyncim/remb/pkg/config"
	"github.com/thesyncim/remb/pkg/remb"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"REMB_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and a console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:   "chrome-interop",
		Usage:  "REMB interop server for Chrome",
		Flags:  append(baseFlags, generatedFlags...),
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func startServer(c *cli.Context) error {
	confString, err := config.ReadConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return err
	}
	conf, err := config.NewConfig(confString, !c.Bool("disable-strict-config"), c, baseFlags)
	if err != nil {
		return err
	}

	logger, err := conf.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := remb.NewMetrics(conf.Prometheus.Namespace)
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	cfg := server.DefaultConfig()
	cfg.Addr = conf.HTTP.Listen
	cfg.Logger = logger
	cfg.Estimator = conf.Estimator
	cfg.Relay = conf.Relay
	cfg.RTCPInterval = conf.RTCP.Interval
	cfg.SenderSSRC = conf.RTCP.SenderSSRC
	cfg.Metrics = metrics
	cfg.MetricsPath = conf.Prometheus.Path
	cfg.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if conf.EventManager.Enabled {
		cfg.EventManager = remb.NewEventManager(conf.EventManager.ClearInterval, nil)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	addr, err := srv.Start()
	if err != nil {
		return err
	}

	fmt.Printf(`
REMB Chrome Interop Server
==========================
1. Open chrome://webrtc-internals in Chrome
2. Open http://%s in another tab
3. Click "Start Call"
4. Watch availableOutgoingBitrate on the candidate pair

`, addr)
	logger.Info("listening", zap.String("addr", addr), zap.String("metrics", conf.Prometheus.Path))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("exit requested, shutting down", zap.Stringer("signal", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
