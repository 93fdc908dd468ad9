/*
 * Copyright (c) Johan Stenstam, johani@johani.org
 */

package tdns

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// UpdateDaemon posts a CommandPost to a running daemon's control socket
// and decodes the CommandResponse, normalizing a connection-refused error
// so callers can tell "not running" apart from other failures.
func (api *ApiClient) UpdateDaemon(data CommandPost, dieOnError bool) (int, CommandResponse, error) {
	var cr CommandResponse
	status, buf, err := api.RequestNG(http.MethodPost, "/api/v1/command", data, dieOnError)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") {
			return 501, cr, errors.New("connection refused")
		}
		return 501, cr, err
	}

	if err := json.Unmarshal(buf, &cr); err != nil {
		log.Printf("Error parsing JSON for CommandResponse: %s", string(buf))
		return status, cr, err
	}
	return status, cr, err
}

func (api *ApiClient) SendPing(pingcount int, dieOnError bool) (PingResponse, error) {
	data := PingPost{
		Msg:   "One ping to rule them all and in the darkness bind them.",
		Pings: pingcount,
	}

	_, buf, err := api.RequestNG(http.MethodPost, "/api/v1/ping", data, dieOnError)
	if err != nil {
		return PingResponse{}, err
	}

	var pr PingResponse
	if err := json.Unmarshal(buf, &pr); err != nil {
		log.Printf("Error parsing JSON for PingResponse: %s", string(buf))
		return pr, err
	}
	return pr, nil
}
