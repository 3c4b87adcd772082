package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/notargets/TSCollect/collect"
	"github.com/notargets/TSCollect/config"
	"github.com/notargets/TSCollect/partitions"
	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

// loadConfig reads the config named by the flags and applies the overrides
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if n := c.Int(nodesFlag.Name); n > 0 {
		cfg.Nodes = n
		cfg.NodeGrid = nil
	}
	if n := c.Int(iterationsFlag.Name); n > 0 {
		cfg.Iterations = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// serveMetrics exposes reg on addr; it does nothing when addr is empty
func serveMetrics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			glog.Errorf("metrics server on %s: %v", addr, err)
		}
	}()
	glog.Infof("serving metrics on %s/metrics", addr)
}

// workload is what one node does: fill the identity field, prepare once and
// execute the configured number of times, checking every output
func workload(ctx context.Context, cfg *config.Config, l *partitions.Layout, tr transport.Transport,
	m *stats.Metrics, summary bool) error {
	params := cfg.Params()
	plan, err := collect.NewPlan(l, tr, collect.WithComponents(cfg.Components), collect.WithMetrics(m))
	if err != nil {
		return err
	}
	defer plan.Close()
	if err := plan.Prepare(params); err != nil {
		return err
	}
	if summary {
		if err := plan.WriteSummary(ctx, os.Stdout); err != nil {
			return err
		}
	}

	start := time.Now()
	field := collect.FillIdentity(l, params, cfg.Components)
	m.ObserveStage(stats.StageFill, start)

	for iter := 0; iter < cfg.Iterations; iter++ {
		out, err := plan.Execute(ctx, field)
		if err != nil {
			return err
		}
		if err := collect.VerifyIdentity(l, params, out); err != nil {
			return errors.Wrapf(err, "iteration %d", iter)
		}
	}
	if plan.Collector() {
		glog.Infof("node %d: collected groups %v correctly in %d iterations", l.ThisNode(), plan.Groups(), cfg.Iterations)
	}
	return nil
}
