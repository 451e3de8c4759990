package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"wormholed/config"
	"wormholed/db"
	"wormholed/log"
	"wormholed/metrics"
	"wormholed/relay"
	"wormholed/transit"
	"wormholed/wire"
)

var version = "0.2.0"

func main() {
	app := cli.NewApp()
	app.Name = "wormholed"
	app.Usage = "Magic Wormhole rendezvous and transit relay server"
	app.Version = version
	app.Flags = serverFlags()
	app.Action = cmdServe

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the rendezvous and transit servers together",
			Flags:  serverFlags(),
			Action: cmdServe,
		},
		{
			Name:   "relay",
			Usage:  "run only the rendezvous (websocket) server",
			Flags:  serverFlags(),
			Action: cmdRelay,
		},
		{
			Name:   "transit",
			Usage:  "run only the transit (piping) server",
			Flags:  serverFlags(),
			Action: cmdTransit,
		},
		{
			Name:   "clean",
			Usage:  "prune expired channels once and exit",
			Flags:  serverFlags(),
			Action: cmdClean,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`, other flags are ignored",
		},
		cli.StringFlag{
			Name:  "relay-host",
			Usage: "interface for the rendezvous server to listen on",
			Value: config.DefaultOptions.Relay.Host,
		},
		cli.UintFlag{
			Name:  "relay-port",
			Usage: "port for the rendezvous server to listen on",
			Value: config.DefaultOptions.Relay.Port,
		},
		cli.StringFlag{
			Name:  "transit-host",
			Usage: "interface for the transit server to listen on",
			Value: config.DefaultOptions.Transit.Host,
		},
		cli.UintFlag{
			Name:  "transit-port",
			Usage: "port for the transit server to listen on",
			Value: config.DefaultOptions.Transit.Port,
		},
		cli.StringFlag{
			Name:  "db",
			Usage: "path to the SQLite database `FILE`, empty runs in memory",
			Value: config.DefaultOptions.Relay.DBFile,
		},
		cli.BoolFlag{
			Name:  "no-list",
			Usage: "refuse nameplate list requests",
		},
		cli.StringFlag{
			Name:  "advert-version",
			Usage: "client version to advertise in the welcome message",
		},
		cli.UintFlag{
			Name:  "cleaning",
			Usage: "seconds between channel pruning runs",
			Value: config.DefaultOptions.Relay.CleaningInterval,
		},
		cli.UintFlag{
			Name:  "channel-exp",
			Usage: "seconds a channel survives without interaction",
			Value: config.DefaultOptions.Relay.ChannelExpiration,
		},
		cli.UintFlag{
			Name:  "blur-usage",
			Usage: "round usage timestamps down to a multiple of this many seconds",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "host:port to serve Prometheus metrics on, empty disables",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "write logs to `FILE` instead of only stdout",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "minimum level to log: DEBUG, INFO, WARN or ERROR",
		},
		cli.UintFlag{
			Name:  "log-blur",
			Usage: "round logged timestamps down to a multiple of this many seconds",
		},
	}
}

//initialize builds the effective options (CLI > file > defaults) and
//brings up logging
func initialize(c *cli.Context) (config.Options, error) {
	opts, err := config.NewOptions(nil, c.String("config"), c)
	if err != nil {
		return opts, err
	}
	if err := log.Initialize(opts.Logging); err != nil {
		return opts, err
	}
	return opts, nil
}

func cmdServe(c *cli.Context) error {
	return run(c, config.ModeBoth)
}

func cmdRelay(c *cli.Context) error {
	return run(c, config.ModeRelay)
}

func cmdTransit(c *cli.Context) error {
	return run(c, config.ModeTransit)
}

//run starts the servers selected by mode and blocks until a signal or
//the first server failure, then shuts everything down
func run(c *cli.Context, mode string) error {
	opts, err := initialize(c)
	if err != nil {
		return err
	}
	opts.Mode = mode

	store, err := db.Open(opts.Relay.DBFile)
	if err != nil {
		return err
	}
	defer store.Close()

	var collector metrics.Collector = &metrics.NoopCollector{}
	var metricsSrv *metrics.Server
	if opts.Metrics.Listen != "" {
		collector = metrics.NewPrometheusCollector(nil)
		metricsSrv = metrics.NewServer(opts.Metrics.Listen)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var relaySrv *relay.Server
	var transitSrv *transit.Server

	g, gctx := errgroup.WithContext(ctx)
	if opts.Mode != config.ModeTransit {
		relaySrv = relay.NewServer(opts, store, collector)
		g.Go(relaySrv.Start)
	}
	if opts.Mode != config.ModeRelay {
		transitSrv = transit.NewServer(opts, store, collector)
		g.Go(transitSrv.Start)
	}
	if metricsSrv != nil {
		g.Go(metricsSrv.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if relaySrv != nil {
			relaySrv.Shutdown(shutCtx)
		}
		if transitSrv != nil {
			transitSrv.Shutdown(shutCtx)
		}
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutCtx)
		}
		return nil
	})

	return g.Wait()
}

//cmdClean runs one pruning pass against the database, for operators
//who want expiry on a cron schedule instead of a live server
func cmdClean(c *cli.Context) error {
	opts, err := initialize(c)
	if err != nil {
		return err
	}

	store, err := db.Open(opts.Relay.DBFile)
	if err != nil {
		return err
	}
	defer store.Close()

	service := relay.NewRendezvous(store, wire.WelcomeInfo{}, int64(opts.Relay.BlurUsage), nil)
	now := time.Now().Unix()
	old := now - int64(opts.Relay.ChannelExpiration)

	if err := service.PruneAllApps(now, old); err != nil {
		return err
	}
	log.Info("channel pruning complete")
	return nil
}
