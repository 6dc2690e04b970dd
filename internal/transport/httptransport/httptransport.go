// Package httptransport is the SDK's "batteries included" reference
// Transport: a net/http implementation with bounded request/response
// bodies and header mutation via an AuthProvider hook. It uses a bounded
// io.LimitReader, JSON encode/decode with UseNumber, and HTTP-status-to-
// outcome classification into this SDK's three-way TransportResult.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kioskops/edge-sdk/internal/transport"
)

const (
	DefaultMaxRequestBytes  = int64(4 * 1024 * 1024)
	DefaultMaxResponseBytes = int64(8 * 1024 * 1024)
	DefaultTimeout          = 30 * time.Second
)

// HTTPTransport posts batches to BaseURL+EndpointPath.
type HTTPTransport struct {
	BaseURL      string
	EndpointPath string
	SDKVersion   string
	Auth         transport.AuthProvider
	Client       *http.Client

	MaxRequestBytes  int64
	MaxResponseBytes int64
}

// New constructs an HTTPTransport with safe defaults; auth may be nil.
func New(baseURL, endpointPath, sdkVersion string, auth transport.AuthProvider) *HTTPTransport {
	if auth == nil {
		auth = transport.NoAuth{}
	}
	return &HTTPTransport{
		BaseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		EndpointPath:     strings.TrimPrefix(strings.TrimSpace(endpointPath), "/"),
		SDKVersion:       sdkVersion,
		Auth:             auth,
		Client:           &http.Client{Timeout: DefaultTimeout},
		MaxRequestBytes:  DefaultMaxRequestBytes,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// SetAuth implements transport.AuthSetter, letting a caller rotate
// credentials between sync_once calls without rebuilding the Transport.
func (t *HTTPTransport) SetAuth(auth transport.AuthProvider) {
	if auth == nil {
		auth = transport.NoAuth{}
	}
	t.Auth = auth
}

// SendBatch implements transport.Transport.
func (t *HTTPTransport) SendBatch(ctx context.Context, req transport.BatchRequest) (transport.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.SDKVersion = t.SDKVersion

	body, err := json.Marshal(req)
	if err != nil {
		return transport.Result{}, fmt.Errorf("httptransport: encoding request: %w", err)
	}
	if t.MaxRequestBytes > 0 && int64(len(body)) > t.MaxRequestBytes {
		return transport.Result{}, fmt.Errorf("httptransport: request body too large (%d>%d)", len(body), t.MaxRequestBytes)
	}

	url := t.BaseURL + "/" + t.EndpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transport.Result{}, fmt.Errorf("httptransport: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	headers := map[string]string{}
	if t.Auth != nil {
		if err := t.Auth.Apply(headers); err != nil {
			return transport.Result{Kind: transport.TransientFailure, Cause: err}, nil
		}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return transport.Result{Kind: transport.TransientFailure, Cause: err, Message: "request failed"}, nil
	}
	defer resp.Body.Close()

	maxResp := t.MaxResponseBytes
	if maxResp <= 0 {
		maxResp = DefaultMaxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResp+1))
	if err != nil {
		return transport.Result{Kind: transport.TransientFailure, HTTPStatus: resp.StatusCode, Cause: err}, nil
	}
	if int64(len(raw)) > maxResp {
		return transport.Result{Kind: transport.TransientFailure, HTTPStatus: resp.StatusCode, Message: "response body too large"}, nil
	}

	return classify(resp.StatusCode, raw), nil
}

// classify maps an HTTP status + body to a transport.Result, per spec §6's
// HTTP mapping: 2xx → Success; 401/403/408/429/5xx → TransientFailure;
// other 4xx → PermanentFailure.
func classify(status int, raw []byte) transport.Result {
	switch {
	case status >= 200 && status <= 299:
		var br transport.BatchResponse
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&br); err != nil {
			return transport.Result{Kind: transport.TransientFailure, HTTPStatus: status, Message: "malformed success response"}
		}
		return transport.Result{Kind: transport.Success, HTTPStatus: status, AcceptedIDs: br.Accepted, Rejected: br.Rejected}
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status >= 500:
		return transport.Result{Kind: transport.TransientFailure, HTTPStatus: status, Message: string(raw)}
	default:
		return transport.Result{Kind: transport.PermanentFailure, HTTPStatus: status, Message: string(raw)}
	}
}
