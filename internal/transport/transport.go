// Package transport defines the Sync Engine's outbound contract: the wire
// format of spec §6 and the closed TransportResult sum type of spec §4.5/§7.
// The reference implementation lives in subpackage httptransport;
// subpackage transporttest provides a mock ingest server for tests.
package transport

import "context"

// Item is one queued event serialized for the wire, per spec §6's batch
// request item shape.
type Item struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey"`
	Type           string `json:"type"`
	PayloadJSON    string `json:"payloadJson"`
	CreatedMs      int64  `json:"createdMs"`
	Attempts       int    `json:"attempts"`
}

// BatchRequest is the exact wire body of spec §6.
type BatchRequest struct {
	LocationID string `json:"locationId"`
	SDKVersion string `json:"sdkVersion"`
	Items      []Item `json:"items"`
}

// Rejection is one server-reported per-item rejection.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResponse is the exact wire body of a successful response.
type BatchResponse struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// Kind tags the closed set of outcomes a Transport can report. Per spec §9,
// this is a tagged variant, not an open error hierarchy.
type Kind int

const (
	Success Kind = iota
	TransientFailure
	PermanentFailure
)

// Result is the sum type returned by Transport.SendBatch, per spec §4.5
// step 4 and §7's Transport outcome taxonomy.
type Result struct {
	Kind Kind

	// Set when Kind == Success.
	AcceptedIDs []string
	Rejected    []Rejection

	// Set for any kind when available.
	HTTPStatus int

	// Set when Kind != Success.
	Cause   error
	Message string
}

// AuthProvider mutates an outgoing request's headers only — it never sees
// or rewrites the body, per spec §6's "header-mutator only" hook contract.
type AuthProvider interface {
	Apply(headers map[string]string) error
}

// NoAuth is the default AuthProvider: it adds nothing.
type NoAuth struct{}

func (NoAuth) Apply(map[string]string) error { return nil }

// Transport is the external collaborator the Sync Engine drives. Transport
// owns TLS, pinning, CT, and auth headers; the core passes a plaintext JSON
// body plus whatever headers AuthProvider contributes.
type Transport interface {
	SendBatch(ctx context.Context, req BatchRequest) (Result, error)
}

// AuthSetter is implemented by Transports whose AuthProvider can be swapped
// between calls (the reference httptransport.HTTPTransport does). The Sync
// Engine uses it to honor sync_once's per-call auth argument without widening
// the Transport interface itself.
type AuthSetter interface {
	SetAuth(AuthProvider)
}
