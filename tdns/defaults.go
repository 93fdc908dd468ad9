/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

const (
	DefaultServerCfgFile  = "/etc/tdns/tdns-server.yaml"
	DefaultZonesCfgFile   = "/etc/tdns/tdns-zones.yaml"
)
