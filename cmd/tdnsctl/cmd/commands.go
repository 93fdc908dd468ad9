/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/zonedaemon/tdnsd/tdns"
)

// SendCommand posts a CommandPost to the daemon's control socket via
// ApiClient.UpdateDaemon, surfacing a server-reported error as a Go error.
func SendCommand(cp tdns.CommandPost) (*tdns.CommandResponse, error) {
	_, cr, err := api.UpdateDaemon(cp, false)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	if cr.Error {
		return nil, fmt.Errorf("tdnsd: %s", cr.ErrorMsg)
	}
	return &cr, nil
}

// SendKeystore posts a KeystorePost to the daemon's /keystore endpoint.
func SendKeystore(kp tdns.KeystorePost) (*tdns.KeystoreResponse, error) {
	status, buf, err := api.RequestNG("POST", "/api/v1/keystore", kp, false)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	if verbose {
		fmt.Printf("status: %d\n", status)
	}

	var kr tdns.KeystoreResponse
	if err := json.Unmarshal(buf, &kr); err != nil {
		return nil, fmt.Errorf("error decoding response: %v", err)
	}
	if kr.Error {
		return nil, fmt.Errorf("tdnsd: %s", kr.ErrorMsg)
	}
	return &kr, nil
}

// SendPing posts a PingPost to the daemon via ApiClient.SendPing.
func SendPing(pings int) (*tdns.PingResponse, error) {
	pr, err := api.SendPing(pings, false)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	return &pr, nil
}
