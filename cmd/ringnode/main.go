package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	"github.com/lab5e/ringfunk/pkg/clientfunk"
	"github.com/lab5e/ringfunk/pkg/funk"
	"github.com/lab5e/ringfunk/pkg/management"
	log "github.com/sirupsen/logrus"
)

type parameters struct {
	Router funk.Parameters         `kong:"embed"`
	Log    gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("ringnode"),
		kong.Description("Shard router with rebalancing"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	gotoolbox.InitLogs("ringnode", config.Log)
	config.Router.Final()

	var topology funk.Topology
	if config.Router.Topology != "" {
		if topology, err = funk.LoadTopology(config.Router.Topology); err != nil {
			log.WithError(err).WithField("file", config.Router.Topology).Error("Unable to load topology")
			os.Exit(2)
		}
	}

	pool, err := clientfunk.NewPoolFromParams(config.Router.ShardClient)
	if err != nil {
		log.WithError(err).Error("Unable to create shard connection pool")
		os.Exit(2)
	}
	defer pool.Close()

	router, err := funk.NewRouter(config.Router, topology, pool)
	if err != nil {
		log.WithError(err).Error("Unable to create router")
		os.Exit(2)
	}
	if err := router.Start(context.Background()); err != nil {
		log.WithError(err).Error("Unable to start router")
		os.Exit(2)
	}
	defer router.Stop()

	// This logs the directory and migration changes
	go func(ch <-chan funk.Event) {
		for ev := range ch {
			switch ev.Kind {
			case funk.DirectoryPublished:
				log.WithFields(log.Fields{"version": ev.Version, "shards": ev.Shards}).Info("Directory published")
			case funk.MigrationChanged:
				log.WithFields(log.Fields{"plan": ev.Plan.ID, "state": ev.Plan.State}).Info("Migration changed")
			case funk.HotspotDetected:
				log.WithFields(log.Fields{"shard": ev.Hotspot.HotShard, "score": ev.Hotspot.Score}).Warning("Hotspot detected")
			case funk.HealthChanged:
				log.WithFields(log.Fields{"shard": ev.ShardID, "health": ev.Health}).Warning("Shard health changed")
			}
		}
	}(router.Observe())

	server := management.NewServer(router, config.Router.Management.Endpoint)
	if err := server.Start(); err != nil {
		log.WithError(err).Error("Unable to start management server")
		os.Exit(2)
	}
	defer server.Stop()

	log.WithFields(log.Fields{
		"nodeId":     router.NodeID(),
		"management": server.Endpoint(),
		"version":    router.Directory().Version(),
	}).Info("Router started")

	// Nothing blocks here so wait for an interrupt signal.
	gotoolbox.WaitForSignal()
}
