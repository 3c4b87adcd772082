package main

import (
	"context"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

func runHandler(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	lb, err := cfg.Builder()
	if err != nil {
		return err
	}
	l, err := lb.BuildLayout(0)
	if err != nil {
		return err
	}

	f, err := transport.NewFabric(l.NumNodes)
	if err != nil {
		return err
	}
	defer f.Close()

	reg := prometheus.NewRegistry()
	serveMetrics(cfg.MetricsAddr, reg)

	glog.Infof("running %d nodes on lattice %v, node grid %v", l.NumNodes, l.LattSize, l.NodeGrid)
	g, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < l.NumNodes; rank++ {
		ep, err := f.Endpoint(rank)
		if err != nil {
			return err
		}
		nl, err := l.WithNode(rank)
		if err != nil {
			return err
		}
		m, err := stats.New(reg, rank)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := workload(ctx, cfg, nl, ep, m, c.Bool(summaryFlag.Name))
			if err != nil {
				// Unblock nodes waiting on this one
				f.Close()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	glog.Infof("all %d nodes verified", l.NumNodes)
	return nil
}
