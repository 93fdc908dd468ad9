/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Control-socket API: the client side used by tdnsctl and the types
// shared with the server-side router in apiserver.go. Grounded on the
// original tdns ApiClient/RequestNG request helper.

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// ApiClient is the HTTP client tdnsctl uses to talk to a running daemon's
// control socket.
type ApiClient struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	Addresses  []string
	apiKey     string
	AuthMethod string
	UseTLS     bool
	Verbose    bool
	Debug      bool
}

func NewClient(name, baseurl, apikey, authmethod, rootcafile string, verbose, debug bool) *ApiClient {
	api := ApiClient{
		Name:       name,
		BaseUrl:    baseurl,
		apiKey:     apikey,
		AuthMethod: authmethod,
		Verbose:    verbose,
		Debug:      debug,
	}

	tlsconfig := &tls.Config{}
	if rootcafile == "insecure" {
		tlsconfig.InsecureSkipVerify = true
	} else if rootcafile != "" {
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("NewClient: reading cert failed: %v", err)
		}
		rootCAPool.AppendCertsFromPEM(rootCA)
		tlsconfig.RootCAs = rootCAPool
	}

	api.Client = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsconfig},
	}
	return &api
}

func (api *ApiClient) UrlReport(method, endpoint string, data []byte) {
	if !api.Debug {
		return
	}
	fmt.Printf("API%s: apiurl: %s\n", method, api.BaseUrl+endpoint)
	if (method == http.MethodPost) || (method == http.MethodPut) {
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
			log.Println("JSON parse error: ", err)
		}
		fmt.Printf("API%s: posting %d bytes of data: %s\n", method, len(data), prettyJSON.String())
	}
}

// RequestNG sends a JSON request and returns the raw JSON response body.
// dieOnError exits the process on a connection failure, matching the
// control CLI's fail-fast behavior; it is false for status probes that
// expect the daemon might not be running yet.
func (api *ApiClient) RequestNG(method, endpoint string, data interface{}, dieOnError bool) (int, []byte, error) {
	if api == nil {
		return 501, nil, fmt.Errorf("api client is nil")
	}

	bytebuf := new(bytes.Buffer)
	if err := json.NewEncoder(bytebuf).Encode(data); err != nil {
		if dieOnError {
			log.Fatalf("api.RequestNG: Error from json.NewEncoder: %v", err)
		}
		return 501, nil, err
	}

	api.UrlReport(method, endpoint, bytebuf.Bytes())

	req, err := http.NewRequest(method, api.BaseUrl+endpoint, bytebuf)
	if err != nil {
		return 501, nil, fmt.Errorf("error from http.NewRequest: %v", err)
	}
	req.Header.Add("Content-Type", "application/json")
	switch api.AuthMethod {
	case "X-API-Key":
		req.Header.Add("X-API-Key", api.apiKey)
	case "Authorization":
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.apiKey))
	}

	resp, err := api.Client.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") {
			if dieOnError {
				fmt.Println("Connection refused. Server process probably not running.")
				os.Exit(1)
			}
			return 501, nil, err
		}
		if dieOnError {
			log.Fatalf("api.RequestNG: Error from API request %s: %v", method, err)
		}
		return 501, nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	return resp.StatusCode, buf, err
}

// Control-socket request/response pairs. CommandPost/CommandResponse cover
// the daemon lifecycle and the zone control operations of spec.md §6
// (load, refresh, notify, retransfer, flush, backup, restore, sign,
// ksk-submit, freeze, thaw, zone-status).
type CommandPost struct {
	Command    string
	SubCommand string
	Zone       string
	Force      bool
	Path       string // backup/restore target directory
}

type CommandResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Names    []string
	Zones    map[string]ZoneConf
	Msg      string
	Error    bool
	ErrorMsg string
}

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Msg      string
	Pings    int
	Pongs    int
	Client   string
	Time     time.Time
	Error    bool
	ErrorMsg string
}

// KeystorePost/KeystoreResponse drive SIG(0) and DNSSEC key management
// over the control socket (list/add/setstate/delete).
type KeystorePost struct {
	Command    string
	SubCommand string
	Zone       string
	Keyname    string
	Keyid      uint16
	Flags      uint16
	KeyType    string
	Algorithm  uint8
	PrivateKey string
	KeyRR      string
	DnskeyRR   string
	State      string
	Creator    string
}

type KeystoreResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Dnskeys  map[string]DnssecKey
	Sig0keys map[string]Sig0Key
	Msg      string
	Error    bool
	ErrorMsg string
}
