package main

import (
	"context"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/notargets/TSCollect/config"
	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

const dialRetry = 200 * time.Millisecond

// loadNodeConfig loads the config of one websocket rank and checks the rank
func loadNodeConfig(c *cli.Context) (*config.Config, int, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Transport.Mode != config.ModeWS {
		return nil, 0, errors.Errorf("node needs transport mode %q, config has %q", config.ModeWS, cfg.Transport.Mode)
	}
	rank := c.Int(rankFlag.Name)
	if rank < 0 || rank >= len(cfg.Transport.Peers) {
		return nil, 0, errors.Errorf("rank %d outside [0, %d)", rank, len(cfg.Transport.Peers))
	}
	return cfg, rank, nil
}

func nodeHandler(c *cli.Context) error {
	cfg, rank, err := loadNodeConfig(c)
	if err != nil {
		return err
	}
	lb, err := cfg.Builder()
	if err != nil {
		return err
	}
	l, err := lb.BuildLayout(rank)
	if err != nil {
		return err
	}

	wc := transport.WSConfig{Rank: rank, Peers: cfg.Transport.Peers}
	if cfg.Transport.Listen != "" {
		if wc.Listener, err = net.Listen("tcp", cfg.Transport.Listen); err != nil {
			return errors.Wrapf(err, "listen on %s", cfg.Transport.Listen)
		}
	}
	ws, err := transport.NewWSNode(wc)
	if err != nil {
		return err
	}
	defer ws.Close()

	reg := prometheus.NewRegistry()
	m, err := stats.New(reg, rank)
	if err != nil {
		return err
	}
	serveMetrics(cfg.MetricsAddr, reg)

	ctx := context.Background()
	glog.Infof("node %d: listening on %s, connecting to %d peers", rank, ws.Addr(), len(cfg.Transport.Peers)-1)
	if err := ws.Connect(ctx, dialRetry); err != nil {
		return err
	}
	if err := workload(ctx, cfg, l, ws, m, c.Bool(summaryFlag.Name)); err != nil {
		return err
	}
	// Keep serving peers until all of them are done
	return ws.Barrier(ctx)
}
