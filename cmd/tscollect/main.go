// Package main is the command line driver for time-slice redistribution
package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/urfave/cli"
)

const cliName = "tscollect"

var (
	build   string
	version = "0.1.0"
)

var (
	configFlag     = cli.StringFlag{Name: "config", Usage: "YAML run description; the four node scenario when empty"}
	nodesFlag      = cli.IntFlag{Name: "nodes", Usage: "override the node count"}
	iterationsFlag = cli.IntFlag{Name: "iterations", Usage: "override the number of executions"}
	summaryFlag    = cli.BoolFlag{Name: "summary", Usage: "print every node's send and receive tables"}
	rankFlag       = cli.IntFlag{Name: "rank", Usage: "rank of this process", Value: -1}
	verbosityFlag  = cli.IntFlag{Name: "v", Usage: "glog verbosity"}
	logDirFlag     = cli.StringFlag{Name: "log_dir", Usage: "glog directory; logs go to stderr when empty"}

	runFlags  = []cli.Flag{configFlag, nodesFlag, iterationsFlag, summaryFlag}
	nodeFlags = []cli.Flag{configFlag, rankFlag, iterationsFlag, summaryFlag}
)

// setupLogging hands the logging flags to glog, which reads them from the
// standard flag set
func setupLogging(c *cli.Context) error {
	set := func(name, value string) error {
		return flag.CommandLine.Set(name, value)
	}
	if err := set("v", strconv.Itoa(c.Int(verbosityFlag.Name))); err != nil {
		return err
	}
	if dir := c.String(logDirFlag.Name); dir != "" {
		return set("log_dir", dir)
	}
	return set("logtostderr", "true")
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = cliName
	app.Usage = "redistribute lattice time slices onto collecting nodes"
	app.Version = version
	if build != "" {
		app.Version += " (build " + build + ")"
	}
	app.Flags = []cli.Flag{verbosityFlag, logDirFlag}
	app.Before = setupLogging
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "run every node in this process over an in-memory fabric",
			UsageText: cliName + " run [--config <file>] [--nodes <n>] [--iterations <n>]",
			Flags:     runFlags,
			Action:    runHandler,
		},
		{
			Name:      "node",
			Usage:     "run one node of a websocket deployment",
			UsageText: cliName + " node --config <file> --rank <r>",
			Flags:     nodeFlags,
			Action:    nodeHandler,
		},
	}
	return app
}

func main() {
	defer glog.Flush()
	if err := newApp().Run(os.Args); err != nil {
		glog.Fatalf("%v", err)
	}
}
