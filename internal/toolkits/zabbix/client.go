package zabbix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const apiTimeout = 10 * time.Second

// Client is a minimal Zabbix JSON-RPC 2.0 client, enough for connectivity
// checks against an instance.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient builds a client for the instance's api_jsonrpc.php endpoint.
// verifyTLS=false disables certificate checks for self-signed lab servers.
func NewClient(baseURL, token string, verifyTLS bool) *Client {
	transport := &http.Transport{}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/api_jsonrpc.php",
		token:    token,
		http:     &http.Client{Timeout: apiTimeout, Transport: transport},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Call performs one JSON-RPC method call and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to encode zabbix rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build zabbix rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zabbix api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zabbix api returned HTTP %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode zabbix api response: %w", err)
	}
	if decoded.Error != nil {
		detail := decoded.Error.Message
		if decoded.Error.Data != "" {
			detail += " " + decoded.Error.Data
		}
		return nil, fmt.Errorf("zabbix api error %d: %s", decoded.Error.Code, detail)
	}
	return decoded.Result, nil
}
