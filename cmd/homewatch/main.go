package main

import (
	"flag"
	"fmt"
	"os"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/sigmon"

	"homewatch/cache"
	"homewatch/collector"
	"homewatch/config"
	"homewatch/db"
	"homewatch/evaluator"
	"homewatch/healthendpoint"
	"homewatch/helpers"
	"homewatch/models"
	"homewatch/notifier"
	"homewatch/scheduler"
	"homewatch/store"
)

func main() {
	var path string
	flag.StringVar(&path, "c", "", "config file")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stdout, "missing config file\nUsage:use '-c' option to specify the config file path")
		os.Exit(1)
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stdout, "failed to read config file %q: %s\n", path, err.Error())
		os.Exit(1)
	}
	conf, err := config.LoadConfig(configBytes)
	if err != nil {
		fmt.Fprintf(os.Stdout, "failed to parse config file %q: %s\n", path, err.Error())
		os.Exit(1)
	}
	if err = conf.Validate(); err != nil {
		fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		os.Exit(1)
	}

	logger, err := helpers.InitLoggerFromConfig(&conf.Logging, "homewatch")
	if err != nil {
		fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		os.Exit(1)
	}
	hwClock := clock.NewClock()

	persistence, cleanup, err := createPersistence(logger, conf)
	if err != nil {
		logger.Error("failed-to-create-persistence", err)
		os.Exit(1)
	}
	defer cleanup()

	ruleStore, err := store.NewRuleStore(logger, hwClock, persistence)
	if err != nil {
		logger.Error("failed-to-load-rule-store", err)
		os.Exit(1)
	}

	providers, err := createProviders(logger, hwClock, conf)
	if err != nil {
		logger.Error("failed-to-create-providers", err)
		os.Exit(1)
	}
	metricCollector := collector.NewCollector(logger, providers...)

	ruleEvaluator := evaluator.NewEvaluator(logger, hwClock, ruleStore)
	dispatcher := notifier.NewDispatcher(logger, notifier.NewLoggingSink(logger), conf.Notifier)

	counters := healthendpoint.NewCounterCollector()
	promRegistry := prometheus.NewRegistry()
	healthendpoint.RegisterCollectors(promRegistry, []prometheus.Collector{counters}, true,
		logger.Session("homewatch-prometheus"))

	poller := scheduler.NewPoller(logger, hwClock, conf.Scheduler.PollInterval,
		metricCollector, ruleEvaluator, dispatcher, ruleStore, counters)

	pollLoop := ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		poller.Start()
		close(ready)
		<-signals
		poller.Stop()
		return nil
	})

	healthServer, err := healthendpoint.NewServer(logger.Session("health-server"), conf.Health.Port, promRegistry)
	if err != nil {
		logger.Error("failed-to-create-health-server", err)
		os.Exit(1)
	}

	members := grouper.Members{
		{Name: "poll_loop", Runner: pollLoop},
		{Name: "health_server", Runner: healthServer},
	}
	monitor := ifrit.Invoke(sigmon.New(grouper.NewOrdered(os.Interrupt, members)))
	logger.Info("started")

	err = <-monitor.Wait()
	if err != nil {
		logger.Error("exited-with-failure", err)
		os.Exit(1)
	}
	logger.Info("exited")
}

func createPersistence(logger lager.Logger, conf *config.Config) (store.Persistence, func(), error) {
	if conf.Storage.DB.URL != "" {
		sqlDB, err := db.NewRuleSQLDB(conf.Storage.DB, logger.Session("rule-db"))
		if err != nil {
			return nil, nil, err
		}
		return sqlDB, func() { _ = sqlDB.Close() }, nil
	}
	return store.NewFilePersistence(conf.Storage.File), func() {}, nil
}

func createProviders(logger lager.Logger, clk clock.Clock, conf *config.Config) ([]collector.Provider, error) {
	providers := []collector.Provider{
		collector.NewDiskProvider(conf.Collector.WatchPaths),
		collector.NewLoadProvider(),
		collector.NewMemoryProvider(),
		collector.NewTempProvider(),
	}
	if len(conf.Collector.LanTargets) > 0 {
		providers = append(providers, collector.NewPingProvider(models.MetricLanUp, conf.Collector.LanTargets))
	}
	if len(conf.Collector.WanTargets) > 0 {
		providers = append(providers, collector.NewPingProvider(models.MetricWanUp, conf.Collector.WanTargets))
	}
	if conf.Collector.Torrent.URL != "" {
		lister, err := collector.NewQBittorrentLister(logger, conf.Collector.Torrent.URL,
			conf.Collector.Torrent.Username, conf.Collector.Torrent.Password, conf.Collector.ProbeTimeout)
		if err != nil {
			return nil, err
		}
		seen := cache.New[map[string]bool]("torrent-seen", conf.Cache.TTL, conf.Cache.Capacity, clk)
		providers = append(providers, collector.NewTorrentProvider(logger, lister, seen))
	}
	return providers, nil
}
