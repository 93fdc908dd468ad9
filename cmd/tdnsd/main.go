/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/zonedaemon/tdnsd/tdns"
)

var appVersion = "devel"
var appDate string

func main() {
	var conf tdns.Config

	pflag.StringVar(&conf.Internal.CfgFile, "config", tdns.DefaultServerCfgFile, "config file path")
	pflag.BoolVarP(&tdns.Globals.Verbose, "verbose", "v", false, "verbose output")
	pflag.BoolVarP(&tdns.Globals.Debug, "debug", "d", false, "debug output")
	pflag.Parse()

	conf.App.Name = "tdnsd"
	conf.App.Version = appVersion
	conf.App.Date = appDate

	if err := conf.ParseConfig(false); err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	logfile := conf.Log.File
	if err := tdns.SetupLogging(logfile); err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}

	if tdns.Globals.Verbose {
		fmt.Printf("%s %s (%s) starting.\n", conf.App.Name, conf.App.Version, conf.App.Date)
	}
	conf.App.ServerBootTime = conf.App.ServerConfigTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf.Internal.StopCh = make(chan struct{})
	tdns.StartEngine(&conf)

	if _, err := conf.ParseZones(ctx, false); err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	conf.Internal.APIStopCh = make(chan struct{})
	go tdns.APIdispatcher(&conf, conf.Internal.APIStopCh)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Printf("%s: entering main loop", conf.App.Name)
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s: shutdown signal received, cleaning up", conf.App.Name)
			close(conf.Internal.APIStopCh)
			tdns.StopEngine(&conf)
			return
		case <-hup:
			log.Printf("%s: SIGHUP received, reloading configuration and zones", conf.App.Name)
			if _, err := conf.ReloadConfig(); err != nil {
				log.Printf("Error reloading config: %v", err)
			}
			if _, err := conf.ReloadZoneConfig(); err != nil {
				log.Printf("Error reloading zones: %v", err)
			}
		}
	}
}
