// Package client is a small Go SDK for the TCP wire protocol, replacing
// the teacher's net/http-based internal/client/client.go. It exposes the
// same three operations the teacher's Client did (Put/Get/Delete) but
// speaks length-prefixed JSON frames instead of issuing HTTP requests,
// and follows leader redirects the way the teacher's Node.Put retried
// across replicas on quorum failure.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kvraft/kvraft/internal/wire"
)

// ErrNotFound mirrors the teacher's client.ErrNotFound: Get on a missing
// key is not an error condition callers need to unwrap further.
var ErrNotFound = errors.New("client: key not found")

// Config controls connection behavior.
type Config struct {
	Addr           string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxRedirects   int
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 5
	}
}

// Client is a thin, connect-per-request SDK over the kvraft wire protocol.
type Client struct {
	cfg Config
}

// New returns a Client that initially targets addr, following Redirect
// responses to the current leader as needed.
func New(addr string) *Client {
	cfg := Config{Addr: addr}
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

func clientFrame(op string, key string, args ...string) clientRequest {
	req := clientRequest{Op: op, Key: key}
	if len(args) > 0 {
		req.Value = args[0]
	}
	return req
}

// clientRequest/clientResponse duplicate internal/wire's JSON shapes
// instead of reusing wire.ClientRequest/wire.ClientResponse directly, so
// this SDK only depends on internal/wire for framing (WriteFrame/
// ReadFrame), not for server-side request/response types.
type clientRequest struct {
	Op    string
	Key   string
	Value string
}

func (r clientRequest) MarshalJSON() ([]byte, error) {
	switch r.Op {
	case "Get":
		return json.Marshal(map[string]string{"Get": r.Key})
	case "Set":
		return json.Marshal(map[string][2]string{"Set": {r.Key, r.Value}})
	case "Delete":
		return json.Marshal(map[string]string{"Delete": r.Key})
	default:
		return nil, fmt.Errorf("client: unknown op %q", r.Op)
	}
}

type clientResponse struct {
	Value    *string
	Success  bool
	Error    string
	Redirect string
	kind     string
}

func (r *clientResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["Value"]; ok {
		var val *string
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		*r = clientResponse{Value: val, kind: "Value"}
		return nil
	}
	if v, ok := raw["Success"]; ok {
		var ok2 bool
		if err := json.Unmarshal(v, &ok2); err != nil {
			return err
		}
		*r = clientResponse{Success: ok2, kind: "Success"}
		return nil
	}
	if v, ok := raw["Error"]; ok {
		var msg string
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		*r = clientResponse{Error: msg, kind: "Error"}
		return nil
	}
	if v, ok := raw["Redirect"]; ok {
		var addr string
		if err := json.Unmarshal(v, &addr); err != nil {
			return err
		}
		*r = clientResponse{Redirect: addr, kind: "Redirect"}
		return nil
	}
	return fmt.Errorf("client: unrecognized response shape")
}

// Get fetches key's value. ErrNotFound is returned if the key is absent.
func (c *Client) Get(key string) (string, error) {
	resp, err := c.roundTripFollowingRedirects(clientFrame("Get", key))
	if err != nil {
		return "", err
	}
	if resp.kind == "Value" {
		if resp.Value == nil {
			return "", ErrNotFound
		}
		return *resp.Value, nil
	}
	return "", responseErr(resp)
}

// Put sets key to value.
func (c *Client) Put(key, value string) error {
	resp, err := c.roundTripFollowingRedirects(clientFrame("Set", key, value))
	if err != nil {
		return err
	}
	if resp.kind == "Success" {
		return nil
	}
	return responseErr(resp)
}

// Delete removes key, returning whether it was present beforehand.
func (c *Client) Delete(key string) (existed bool, err error) {
	resp, err := c.roundTripFollowingRedirects(clientFrame("Delete", key))
	if err != nil {
		return false, err
	}
	if resp.kind == "Success" {
		return resp.Success, nil
	}
	return false, responseErr(resp)
}

func responseErr(resp clientResponse) error {
	if resp.kind == "Error" {
		return fmt.Errorf("client: server error: %s", resp.Error)
	}
	return fmt.Errorf("client: unexpected response kind %q", resp.kind)
}

func (c *Client) roundTripFollowingRedirects(req clientRequest) (clientResponse, error) {
	addr := c.cfg.Addr
	for i := 0; i <= c.cfg.MaxRedirects; i++ {
		resp, err := c.roundTrip(addr, req)
		if err != nil {
			return clientResponse{}, err
		}
		if resp.kind == "Redirect" {
			if resp.Redirect == "" {
				return clientResponse{}, errors.New("client: redirected to empty address")
			}
			addr = resp.Redirect
			continue
		}
		return resp, nil
	}
	return clientResponse{}, fmt.Errorf("client: exceeded %d redirects", c.cfg.MaxRedirects)
}

func (c *Client) roundTrip(addr string, req clientRequest) (clientResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return clientResponse{}, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.cfg.RequestTimeout))

	body, err := json.Marshal(req)
	if err != nil {
		return clientResponse{}, err
	}
	env, err := json.Marshal(envelope{Kind: "ClientRequest", Body: body})
	if err != nil {
		return clientResponse{}, err
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		return clientResponse{}, err
	}

	r := bufio.NewReader(conn)
	replyPayload, err := wire.ReadFrame(r)
	if err != nil {
		return clientResponse{}, fmt.Errorf("client: read reply from %s: %w", addr, err)
	}
	var replyEnv envelope
	if err := json.Unmarshal(replyPayload, &replyEnv); err != nil {
		return clientResponse{}, err
	}
	var resp clientResponse
	if err := json.Unmarshal(replyEnv.Body, &resp); err != nil {
		return clientResponse{}, err
	}
	return resp, nil
}

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}
