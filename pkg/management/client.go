package management

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lab5e/ringfunk/pkg/funk"
	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// APIError is returned by the client when the server responds with an error
type APIError struct {
	Status  int
	Message string
}

func (a *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", a.Status, http.StatusText(a.Status), a.Message)
}

// Client is a client for the management API
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a new client. The endpoint is a host:port pair or a URL.
func NewClient(endpoint string) *Client {
	base := endpoint
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		defer res.Body.Close()
		var e ErrorResponse
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
		if err := json.Unmarshal(buf, &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(buf))
		}
		return nil, &APIError{Status: res.StatusCode, Message: e.Error}
	}
	return res, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
		contentType = contentTypeJSON
	}
	res, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Status returns the router status
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var ret StatusResponse
	return ret, c.doJSON(ctx, http.MethodGet, "/health", nil, &ret)
}

// Directory returns the current directory
func (c *Client) Directory(ctx context.Context) (DirectoryResponse, error) {
	var ret DirectoryResponse
	return ret, c.doJSON(ctx, http.MethodGet, "/directory", nil, &ret)
}

// AddShard starts a migration that adds a shard
func (c *Client) AddShard(ctx context.Context, shard sharding.Shard) (string, error) {
	var ret PlanResponse
	return ret.PlanID, c.doJSON(ctx, http.MethodPost, "/shards", shard, &ret)
}

// RemoveShard starts a migration that removes a shard
func (c *Client) RemoveShard(ctx context.Context, id string) (string, error) {
	var ret PlanResponse
	return ret.PlanID, c.doJSON(ctx, http.MethodDelete, "/shards/"+url.PathEscape(id), nil, &ret)
}

// ReweightShard starts a migration that changes the weight of a shard
func (c *Client) ReweightShard(ctx context.Context, id string, weight int) (string, error) {
	var ret PlanResponse
	return ret.PlanID, c.doJSON(ctx, http.MethodPut, "/shards/"+url.PathEscape(id)+"/weight", WeightRequest{Weight: weight}, &ret)
}

// Migrations lists the known migration plans
func (c *Client) Migrations(ctx context.Context) ([]rebalance.PlanStatus, error) {
	var ret []rebalance.PlanStatus
	return ret, c.doJSON(ctx, http.MethodGet, "/migrations", nil, &ret)
}

// Migration returns the status of a single plan
func (c *Client) Migration(ctx context.Context, id string) (rebalance.PlanStatus, error) {
	var ret rebalance.PlanStatus
	return ret, c.doJSON(ctx, http.MethodGet, "/migrations/"+url.PathEscape(id), nil, &ret)
}

// Abort aborts a migration plan
func (c *Client) Abort(ctx context.Context, id string) (rebalance.PlanStatus, error) {
	var ret rebalance.PlanStatus
	return ret, c.doJSON(ctx, http.MethodDelete, "/migrations/"+url.PathEscape(id), nil, &ret)
}

// Hotspots returns the hotspot monitor snapshot
func (c *Client) Hotspots(ctx context.Context) (hotspot.Snapshot, error) {
	var ret hotspot.Snapshot
	return ret, c.doJSON(ctx, http.MethodGet, "/hotspots", nil, &ret)
}

// RouteInfo is the routing information returned with a data request
type RouteInfo struct {
	Version uint64
	ShardID string
}

func routeInfo(res *http.Response) RouteInfo {
	ver, _ := strconv.ParseUint(res.Header.Get(VersionHeader), 10, 64)
	return RouteInfo{Version: ver, ShardID: res.Header.Get(ShardHeader)}
}

// Get reads a key through the router
func (c *Client) Get(ctx context.Context, key string) ([]byte, RouteInfo, error) {
	res, err := c.do(ctx, http.MethodGet, "/kv/"+url.PathEscape(key), nil, "")
	if err != nil {
		return nil, RouteInfo{}, err
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	return buf, routeInfo(res), err
}

// Put writes a key through the router
func (c *Client) Put(ctx context.Context, key string, value []byte) (RouteInfo, error) {
	res, err := c.do(ctx, http.MethodPut, "/kv/"+url.PathEscape(key), bytes.NewReader(value), contentTypeBinary)
	if err != nil {
		return RouteInfo{}, err
	}
	res.Body.Close()
	return routeInfo(res), nil
}

// Delete removes a key through the router
func (c *Client) Delete(ctx context.Context, key string) (RouteInfo, error) {
	res, err := c.do(ctx, http.MethodDelete, "/kv/"+url.PathEscape(key), nil, "")
	if err != nil {
		return RouteInfo{}, err
	}
	res.Body.Close()
	return routeInfo(res), nil
}

// MultiGet reads several keys with a fan-out request
func (c *Client) MultiGet(ctx context.Context, req MultiGetRequest) (MultiGetResponse, error) {
	var ret MultiGetResponse
	return ret, c.doJSON(ctx, http.MethodPost, "/kv", req, &ret)
}

// Events streams router events until the context is cancelled or the
// connection closes. The first event is the current directory.
func (c *Client) Events(ctx context.Context, fn func(funk.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev funk.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
