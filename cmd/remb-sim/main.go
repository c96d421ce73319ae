// Command remb-sim runs the REMB estimator and relay in a closed loop over
// a simulated bottleneck and reports how the send rate tracked capacity.
//
// Usage:
//
//	go run ./cmd/remb-sim --duration 2m --capacity 1500000
//	go run ./cmd/remb-sim --capacity-step 30s=400000 --capacity-step 60s=1200000
//	go run ./cmd/remb-sim --config remb.yaml --trace out.json
//
// With --prometheus-listen the estimator metrics and pprof are served while
// the run is in progress:
//
//	curl http://localhost:6060/metrics
//	go tool pprof http://localhost:6060/debug/pprof/heap
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/config"
	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/testutil"
)

const convergenceFraction = 0.9

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
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "virtual length of the run",
	},
	&cli.Uint64Flag{
		Name:  "capacity",
		Usage: "initial bottleneck capacity in bps",
	},
	&cli.StringSliceFlag{
		Name:  "capacity-step",
		Usage: "capacity change as `AT=BPS`, e.g. 30s=400000, use flag multiple times for several steps",
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "random loss probability in [0, 1] on top of the bottleneck",
	},
	&cli.BoolFlag{
		Name:  "realtime",
		Usage: "pace virtual time against the wall clock",
	},
	&cli.StringFlag{
		Name:  "trace",
		Usage: "write the recorded trace as JSON to `file`",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.StringFlag{
		Name:  "prometheus-listen",
		Usage: "address serving /metrics and /debug/pprof during the run",
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
		Name:   "remb-sim",
		Usage:  "closed-loop REMB congestion control simulator",
		Flags:  append(baseFlags, generatedFlags...),
		Action: runSimulation,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.ReadConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, !c.Bool("disable-strict-config"), c, baseFlags)
	if err != nil {
		return nil, err
	}

	if c.IsSet("duration") {
		conf.Simulation.Duration = c.Duration("duration")
	}
	if c.IsSet("capacity") {
		conf.Simulation.Capacity = c.Uint64("capacity")
	}
	if c.IsSet("loss") {
		conf.Simulation.Loss = c.Float64("loss")
	}
	if c.IsSet("realtime") {
		conf.Simulation.Realtime = c.Bool("realtime")
	}
	if c.IsSet("trace") {
		conf.Simulation.TracePath = c.String("trace")
	}
	for _, s := range c.StringSlice("capacity-step") {
		step, err := parseCapacityStep(s)
		if err != nil {
			return nil, err
		}
		conf.Simulation.CapacitySteps = append(conf.Simulation.CapacitySteps, step)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// parseCapacityStep parses AT=BPS.
func parseCapacityStep(s string) (config.CapacityStep, error) {
	at, bps, ok := strings.Cut(s, "=")
	if !ok {
		return config.CapacityStep{}, errors.Errorf("invalid capacity step %q, want AT=BPS", s)
	}
	d, err := time.ParseDuration(at)
	if err != nil {
		return config.CapacityStep{}, errors.Wrapf(err, "invalid capacity step time %q", at)
	}
	capacity, err := strconv.ParseUint(bps, 10, 64)
	if err != nil {
		return config.CapacityStep{}, errors.Wrapf(err, "invalid capacity step rate %q", bps)
	}
	return config.CapacityStep{At: d, Capacity: capacity}, nil
}

func simulationConfig(conf *config.Config) testutil.SimulationConfig {
	cfg := testutil.DefaultSimulationConfig()
	cfg.Estimator = conf.Estimator
	cfg.Relay = conf.Relay
	cfg.Duration = conf.Simulation.Duration
	cfg.Realtime = conf.Simulation.Realtime
	if conf.RTCP.Interval > 0 {
		cfg.TickInterval = conf.RTCP.Interval
	}

	cfg.Link.Capacity = conf.Simulation.Capacity
	cfg.Link.RandomLoss = conf.Simulation.Loss
	cfg.Link.Seed = conf.Simulation.Seed
	if conf.Simulation.PacketSize > 0 {
		cfg.Link.PacketSize = conf.Simulation.PacketSize
	}
	for _, s := range conf.Simulation.CapacitySteps {
		cfg.CapacitySteps = append(cfg.CapacitySteps, testutil.CapacityStep{At: s.At, Capacity: s.Capacity})
	}
	return cfg
}

func runSimulation(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	logger, err := conf.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := remb.NewMetrics(conf.Prometheus.Namespace)
	if conf.Prometheus.Listen != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return err
		}
		http.Handle(conf.Prometheus.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(conf.Prometheus.Listen, nil); err != nil {
				logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics",
			zap.String("listen", conf.Prometheus.Listen),
			zap.String("path", conf.Prometheus.Path))
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("exit requested, stopping simulation", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	simCfg := simulationConfig(conf)
	logger.Info("starting simulation",
		zap.Duration("duration", simCfg.Duration),
		zap.Uint64("capacity", simCfg.Link.Capacity),
		zap.Float64("loss", simCfg.Link.RandomLoss),
		zap.Int("capacitySteps", len(simCfg.CapacitySteps)))

	sim := testutil.NewSimulation(simCfg, logger, metrics)
	sim.OnSample = func(s testutil.TraceSample) {
		logger.Debug("tick",
			zap.Uint64("capacity", s.Capacity),
			zap.Uint64("sendRate", s.SendRate),
			zap.Uint64("estimate", s.Estimate),
			zap.Uint64("lossRecord", s.LossRecord))
	}

	trace, err := sim.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if conf.Simulation.TracePath != "" {
		if err := trace.Save(conf.Simulation.TracePath); err != nil {
			return err
		}
		logger.Info("trace written", zap.String("path", conf.Simulation.TracePath))
	}

	if !printSummary(trace, sim) {
		return cli.Exit("send rate never reached capacity", 1)
	}
	return nil
}

// printSummary writes the run summary to stdout and reports whether the
// send rate converged.
func printSummary(trace *testutil.Trace, sim *testutil.Simulation) bool {
	var last testutil.TraceSample
	if n := len(trace.Samples); n > 0 {
		last = trace.Samples[n-1]
	}
	convergedAt, converged := trace.ConvergenceTime(convergenceFraction)
	u := trace.Utilization(len(trace.Samples) / 4)
	st := sim.Estimator().State()

	fmt.Printf("\n")
	fmt.Printf("REMB Simulation Complete\n")
	fmt.Printf("========================\n")
	fmt.Printf("Samples:           %d\n", len(trace.Samples))
	fmt.Printf("Final capacity:    %.2f Mbps\n", mbps(last.Capacity))
	fmt.Printf("Final send rate:   %.2f Mbps\n", mbps(last.SendRate))
	fmt.Printf("Final estimate:    %.2f Mbps\n", mbps(st.Estimate))
	fmt.Printf("Threshold:         %.2f Mbps\n", mbps(st.Threshold))
	if converged {
		fmt.Printf("Time to %.0f%%:       %v\n", convergenceFraction*100, convergedAt)
	} else {
		fmt.Printf("Time to %.0f%%:       never\n", convergenceFraction*100)
	}
	fmt.Printf("Backoffs:          %d\n", sim.Backoffs())
	fmt.Printf("Mean utilization:  %.1f%%\n", u.MeanRatio*100)
	fmt.Printf("Overshoots:        %d/%d\n", u.Overshoots, u.Samples)
	fmt.Printf("Status:            %s\n", checkMark(converged))
	fmt.Printf("\n")
	return converged
}

func mbps(bps uint64) float64 {
	return float64(bps) / 1_000_000
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
