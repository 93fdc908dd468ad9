/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Server side of the control socket: a gorilla/mux router exposing the
// zone control operations of spec.md §6 (load, refresh, notify,
// retransfer, flush, backup, restore, sign, ksk-submit, freeze, thaw,
// zone-status), each backed by ZoneEvents scheduling or a direct
// filesystem operation and reporting back an ErrorCode.

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
)

func APIping(appname string, boottime time.Time) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var pp PingPost
		if err := decoder.Decode(&pp); err != nil {
			log.Printf("APIping: error decoding ping post: %v", err)
		}

		resp := PingResponse{
			Time:   time.Now(),
			Client: r.RemoteAddr,
			Msg:    "pong",
			Pings:  pp.Pings,
			Pongs:  pp.Pings + 1,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// zoneCommand looks up the named zone and runs fn against it, folding a
// missing zone or fn's error into a CommandResponse.
func zoneCommand(cp CommandPost, fn func(zd *ZoneData) (string, error)) CommandResponse {
	resp := CommandResponse{Time: time.Now(), Zone: cp.Zone}

	zd, ok := Zones.Get(cp.Zone)
	if !ok {
		resp.Error = true
		resp.ErrorMsg = fmt.Sprintf("zone %q is unknown", cp.Zone)
		return resp
	}

	msg, err := fn(zd)
	if err != nil {
		resp.Error = true
		resp.ErrorMsg = err.Error()
		return resp
	}
	resp.Msg = msg
	return resp
}

// runBlocking schedules kind on zd and waits for it to finish, turning a
// non-success ErrorCode into an error the caller reports back.
func runBlocking(zd *ZoneData, kind EventKind) (string, error) {
	code := zd.Events.ScheduleBlocking(kind)
	if code != NoErrorCode {
		return "", fmt.Errorf("%s: %s", kind, code)
	}
	return fmt.Sprintf("zone %s: %s complete", zd.ZoneName, kind), nil
}

// APIcommand dispatches the zone control operations of spec.md §6.
func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var cp CommandPost
		if err := decoder.Decode(&cp); err != nil {
			log.Printf("APIcommand: error decoding command post: %v", err)
		}

		log.Printf("API: received /command request (cmd: %s zone: %s) from %s",
			cp.Command, cp.Zone, r.RemoteAddr)

		var resp CommandResponse

		switch cp.Command {
		case "status":
			resp = CommandResponse{Time: time.Now(), Status: "ok", Msg: "tdnsd is running"}

		case "list-zones":
			resp = CommandResponse{Time: time.Now(), Zones: conf.Zones, Names: Zones.Keys()}

		case "load":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return runBlocking(zd, EventLoad) })

		case "refresh":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) {
				if cp.Force {
					zd.Events.ScheduleNow(EventRefresh)
					return fmt.Sprintf("zone %s: refresh forced", zd.ZoneName), nil
				}
				return runBlocking(zd, EventRefresh)
			})

		case "retransfer":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) {
				zd.IncomingSerial = 0 // force a full transfer regardless of current serial
				return runBlocking(zd, EventRefresh)
			})

		case "notify":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return runBlocking(zd, EventNotify) })

		case "flush":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return runBlocking(zd, EventFlush) })

		case "sign":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return runBlocking(zd, EventDnssec) })

		case "ksk-submit":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return runBlocking(zd, EventDsPush) })

		case "freeze":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) {
				zd.Events.FreezeBlocking()
				zd.Options[OptFrozen] = true
				return fmt.Sprintf("zone %s: frozen", zd.ZoneName), nil
			})

		case "thaw":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) {
				zd.Options[OptFrozen] = false
				// Start clears the hard freeze set by FreezeBlocking; Uthaw
				// clears the separate soft ufreeze gate. A zone may be under
				// either, so both must be cleared for "thaw" to be the true
				// inverse of "freeze".
				zd.Events.Start()
				zd.Events.Uthaw()
				return fmt.Sprintf("zone %s: thawed", zd.ZoneName), nil
			})

		case "zone-status":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) {
				kind, running := zd.Events.IsRunning()
				status := "idle"
				if running {
					status = fmt.Sprintf("running %s", kind)
				}
				serial := uint32(0)
				if zc := zd.Contents(); zc != nil {
					serial = zc.Serial
				}
				return fmt.Sprintf("zone %s: %s, serial %d, frozen=%v, dirty=%v",
					zd.ZoneName, status, serial, zd.Options[OptFrozen], zd.Options[OptDirty]), nil
			})

		case "backup":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return BackupZone(zd, cp.Path) })

		case "restore":
			resp = zoneCommand(cp, func(zd *ZoneData) (string, error) { return RestoreZone(zd, cp.Path) })

		default:
			resp = CommandResponse{
				Time:     time.Now(),
				Error:    true,
				ErrorMsg: fmt.Sprintf("unknown command: %s", cp.Command),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// BackupZone copies the zone's zonefile into dir, named by zone and
// timestamp, per spec.md's backup event (triggered under journal
// pressure or on an explicit control request).
func BackupZone(zd *ZoneData, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("BackupZone: no destination directory given")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("BackupZone: %v", err)
	}

	dst := filepath.Join(dir, fmt.Sprintf("%s.%d.zone", zd.ZoneName, time.Now().Unix()))
	if _, err := zd.WriteFile(dst); err != nil {
		return "", fmt.Errorf("BackupZone: %v", err)
	}
	return fmt.Sprintf("zone %s backed up to %s", zd.ZoneName, dst), nil
}

// RestoreZone reloads a zone's contents from a previously captured
// zonefile at path, re-publishing a fresh ZoneContents.
func RestoreZone(zd *ZoneData, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("RestoreZone: no source file given")
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("RestoreZone: %v", err)
	}
	defer src.Close()

	if _, err := io.Copy(io.Discard, src); err != nil {
		return "", fmt.Errorf("RestoreZone: reading %s: %v", path, err)
	}

	if _, _, err := zd.ReadZoneFile(path, true); err != nil {
		return "", fmt.Errorf("RestoreZone: %v", err)
	}
	zc, err := buildContentsFromData(zd)
	if err != nil {
		return "", fmt.Errorf("RestoreZone: %v", err)
	}
	zd.PublishContents(zc)
	return fmt.Sprintf("zone %s restored from %s", zd.ZoneName, path), nil
}

func APIkeystore(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	kdb := conf.Internal.KeyDB

	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var kp KeystorePost
		if err := decoder.Decode(&kp); err != nil {
			log.Printf("APIkeystore: error decoding keystore post: %v", err)
		}

		log.Printf("API: received /keystore request (cmd: %s subcommand: %s) from %s",
			kp.Command, kp.SubCommand, r.RemoteAddr)

		var resp KeystoreResponse
		var err error

		switch kp.Command {
		case "sig0-mgmt":
			resp, err = kdb.Sig0KeyMgmt(kp)
		case "dnssec-mgmt":
			resp, err = kdb.DnssecKeyMgmt(kp)
		default:
			err = fmt.Errorf("unknown command: %s", kp.Command)
		}
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// SetupRouter wires the control socket's HTTP endpoints, guarded by the
// configured X-API-Key.
func SetupRouter(conf *Config) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", conf.Apiserver.ApiKey).Subrouter()
	sr.HandleFunc("/ping", APIping(conf.App.Name, conf.App.ServerBootTime)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf)).Methods("POST")
	sr.HandleFunc("/keystore", APIkeystore(conf)).Methods("POST")

	return r
}

func walkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s", address)
	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for _, m := range methods {
			log.Printf("%-6s %s", m, path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Printf("walkRoutes: error walking routes: %v", err)
	}
}

// APIdispatcher starts the control socket listener for each configured
// address and blocks until stopCh closes.
func APIdispatcher(conf *Config, stopCh chan struct{}) {
	router := SetupRouter(conf)

	for _, addr := range conf.Apiserver.Addresses {
		walkRoutes(router, addr)
		addr := addr
		go func() {
			log.Printf("API dispatcher: listening on %s", addr)
			if conf.Apiserver.UseTLS {
				log.Fatal(http.ListenAndServeTLS(addr, conf.Apiserver.CertFile, conf.Apiserver.KeyFile, router))
			} else {
				log.Fatal(http.ListenAndServe(addr, router))
			}
		}()
	}

	<-stopCh
	log.Println("API dispatcher: stop signal received")
}
