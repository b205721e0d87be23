package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/osdi23p228/ledgerbridge/pkg/infra"
	"github.com/osdi23p228/ledgerbridge/pkg/server"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	fullCmd string
)

var (
	app        = kingpin.New("ledgerbridge", "A REST and live notification bridge to a Hyperledger Fabric channel")
	serve      = app.Command("serve", "Serve the REST API").Default()
	version    = app.Command("version", "Show version information")
	configFile = serve.Flag("config", "Path of config file").Envar("LEDGERBRIDGE_CONFIG").Required().Short('c').String()
)

func setLogLevel(logger *log.Logger) {
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv("LEDGERBRIDGE_LOGLEVEL"); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
}

func getLogger() *log.Logger {
	logger := log.New()
	setLogLevel(logger)
	return logger
}

func run(config *infra.Config, logger *log.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gateway, err := infra.NewGateway(config, registry, logger)
	if err != nil {
		return err
	}
	defer gateway.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Simulator.Enabled {
		rc := gateway.NewRequestContext(config.Simulator.Username, config.Simulator.OrgName)
		simulator, err := infra.NewSimulator(config.Simulator, gateway, rc, config.Timeouts.Submission, logger)
		if err != nil {
			return err
		}
		simulator.Start()
		defer simulator.Stop()
	}

	return server.NewServer(gateway, registry, logger).Run(ctx, config.Listen)
}

func main() {
	var err error
	logger := getLogger()

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))
	switch fullCmd {
	case serve.FullCommand():
		var config *infra.Config
		config, err = infra.LoadConfigFromFile(*configFile)
		if err != nil {
			err = errors.Wrap(err, "fail to load config")
			break
		}
		err = run(config, logger)
	case version.FullCommand():
		fmt.Print(infra.GetVersionInfo())
	default:
		err = errors.Errorf("Invalid command: %s", fullCmd)
	}

	if err != nil {
		logger.Fatalln(err)
	}
	os.Exit(0)
}
