package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeInfo describes an agent that connects back to the coordinator.
type NodeInfo struct {
	ID        string `json:"id"`                   // session id, unique per connection
	Addr      string `json:"addr"`                 // agent base URL, e.g. http://10.0.0.5:8081
	IPAddress string `json:"ip_address"`           // address the node was pre-registered with
	BrokerURL string `json:"broker_url,omitempty"` // broker the agent runs, if any
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// PreregisterRequest carries the discovery info of a node. Info must hold an
// address under "ip-address", "address" or "ip".
type PreregisterRequest struct {
	ClientID string         `json:"client_id"`
	Info     map[string]any `json:"info"`
	// State optionally moves the new entry on from PREREGISTERED, for nodes
	// that are ignored (IGNORE_NODE), cannot run an agent (NOT_INSTALLED) or
	// were installed out of band (INSTALLED).
	State string `json:"state,omitempty"`
}

// SessionRequest identifies a registered session, for unregister and ready.
type SessionRequest struct {
	ID string `json:"id"`
}

// InputRequest is a line of free text an agent reports to the coordinator.
type InputRequest struct {
	ID   string `json:"id"`
	Line string `json:"line"`
}

// Control channels of an agent.
const (
	ChannelCommand = "command"
	ChannelClient  = "client"
)

// ControlMessage is what the coordinator posts to an agent's /control endpoint.
type ControlMessage struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// Registration blocks for the coordinator's whole configuration round; other
// calls bound themselves with a context.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// PostJSON posts body as JSON and decodes the reply into out unless out is
// nil. Non-2xx replies come back as *StatusError.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
