/*
 * Copyright (c) 2024 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */

package tdns

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"
)

type Config struct {
	App            AppDetails
	Service        ServiceConf
	DnsEngine      DnsEngineConf
	Apiserver      ApiserverConf
	DnssecPolicies map[string]DnssecPolicyConf
	MultiSigner    map[string]MultiSignerConf `yaml:"multisigner"`
	Zones          map[string]ZoneConf
	Templates      []ZoneConf
	Db             DbConf
	Registrars     map[string][]string
	Log            struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type AppDetails struct {
	Name             string
	Version          string
	Mode             string
	Date             string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
}

type ServiceConf struct {
	Name      string `validate:"required"`
	Debug     *bool
	Verbose   *bool
	BackupDir string
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
}

type ApiserverConf struct {
	Addresses []string `validate:"required"`
	ApiKey    string   `validate:"required"`
	CertFile  string   `validate:"required,file"`
	KeyFile   string   `validate:"required,file"`
	UseTLS    bool
}

type DbConf struct {
	File     string // `validate:"required"`
	MysqlDSN string `yaml:"mysqldsn"` // if set, the journal backend is MySQL instead of sqlite
}

type InternalConf struct {
	CfgFile         string //
	ZonesCfgFile    string //
	KeyDB           *KeyDB
	DnssecPolicies  map[string]DnssecPolicy
	StopCh          chan struct{}
	APIStopCh       chan struct{}
	RefreshZoneCh   chan ZoneRefresher
	BumpZoneCh      chan BumperData
	ValidatorCh     chan ValidatorRequest
	UpdateQ         chan UpdateRequest
	DelegationSyncQ chan DelegationSyncRequest
	NotifyQ         chan NotifyRequest
	Scheduler       *EventScheduler
	Pool            *WorkerPool
}

// ValidateConfig, ValidateZones, and ValidateBySection live in
// config_validate.go, which also wires in the certkey custom validator.

func (conf *Config) ReloadConfig() (string, error) {
	err := conf.ParseConfig(true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("Error parsing config: %v", err)
	}
	conf.App.ServerConfigTime = time.Now()
	return "Config reloaded.", err
}

func (conf *Config) ReloadZoneConfig() (string, error) {
	prezones := Zones.Keys()
	log.Printf("ReloadZones: zones prior to reloading: %v", prezones)
	// XXX: This is wrong. We must get the zones config file from outside (to enamble things like MUSIC to use a different config file)
	zonelist, err := conf.ParseZones(context.Background(), true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("ReloadZoneConfig: Error parsing zones: %v", err)
	}

	for _, zname := range prezones {
		if !slices.Contains(zonelist, zname) {
			zd, exists := Zones.Get(zname)
			if !exists {
				log.Printf("ReloadZoneConfig: Zone %s not in config and also not in zone list.", zname)
			}
			if zd.Options[OptAutomaticZone] {
				log.Printf("ReloadZoneConfig: Zone %s is an automatic zone. Not removing from zone list.", zname)
				continue
			}
			log.Printf("ReloadZoneConfig: Zone %s no longer in config. Removing from zone list.", zname)
			Zones.Remove(zname)
		}
	}

	log.Printf("ReloadZones: zones after reloading: %v", zonelist)
	conf.App.ServerConfigTime = time.Now()
	return fmt.Sprintf("Zones reloaded. Before: %v, After: %v", prezones, zonelist), err
}
