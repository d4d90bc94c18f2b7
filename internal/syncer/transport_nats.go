package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// natsPropagator mirrors libs/go/core/natsctx's trace-context injection so
// sync round trips over NATS remain part of the caller's trace.
var natsPropagator = propagation.TraceContext{}

// NATSTransport implements Transport as a request/reply pair over NATS
// subjects, generalized from libs/go/core/natsctx.Publish/Subscribe's
// header-carried trace propagation into a synchronous request call.
type NATSTransport struct {
	conn         *nats.Conn
	pushSubject  string
	pullSubject  string
	requestTimeout time.Duration
}

// NewNATSTransport wires a transport against an already-connected conn.
func NewNATSTransport(conn *nats.Conn, pushSubject, pullSubject string, requestTimeout time.Duration) *NATSTransport {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &NATSTransport{conn: conn, pushSubject: pushSubject, pullSubject: pullSubject, requestTimeout: requestTimeout}
}

func (t *NATSTransport) request(ctx context.Context, subject string, payload []byte) (*nats.Msg, error) {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	natsPropagator.Inject(ctx, carrier)

	tr := otel.Tracer("edgecore-sync-nats")
	ctx, span := tr.Start(ctx, "nats.sync."+subject, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: payload, Header: hdr}
	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	return t.conn.RequestMsgWithContext(reqCtx, msg)
}

type natsPushRequest struct {
	Batch []byte `json:"batch"`
}

type natsPushResponse struct {
	Success   bool     `json:"success"`
	SyncedIDs []string `json:"synced_ids"`
	Error     string   `json:"error,omitempty"`
}

// Push sends batch.Wire over pushSubject and awaits a natsPushResponse.
func (t *NATSTransport) Push(ctx context.Context, batch *Batch) (PushResult, error) {
	payload, err := json.Marshal(natsPushRequest{Batch: batch.Wire})
	if err != nil {
		return PushResult{}, err
	}
	msg, err := t.request(ctx, t.pushSubject, payload)
	if err != nil {
		return PushResult{}, fmt.Errorf("nats push request: %w", err)
	}
	var resp natsPushResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return PushResult{}, fmt.Errorf("decode nats push response: %w", err)
	}
	result := PushResult{Success: resp.Success, SyncedIDs: resp.SyncedIDs}
	if resp.Error != "" {
		result.Err = fmt.Errorf("%s", resp.Error)
	}
	return result, nil
}

type natsPullRequest struct {
	KnownChecksums map[string]string `json:"known_backend_checksums"`
}

type natsPullResponse struct {
	Success          bool              `json:"success"`
	Deltas           []byte            `json:"deltas"`
	BackendChecksums map[string]string `json:"backend_checksums"`
	Error            string            `json:"error,omitempty"`
}

// Pull requests incoming deltas for everything newer than knownBackendChecksums.
func (t *NATSTransport) Pull(ctx context.Context, knownBackendChecksums map[string]string) (PullResult, error) {
	payload, err := json.Marshal(natsPullRequest{KnownChecksums: knownBackendChecksums})
	if err != nil {
		return PullResult{}, err
	}
	msg, err := t.request(ctx, t.pullSubject, payload)
	if err != nil {
		return PullResult{}, fmt.Errorf("nats pull request: %w", err)
	}
	var resp natsPullResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return PullResult{}, fmt.Errorf("decode nats pull response: %w", err)
	}
	result := PullResult{Success: resp.Success, Deltas: resp.Deltas, BackendChecksums: resp.BackendChecksums}
	if resp.Error != "" {
		result.Err = fmt.Errorf("%s", resp.Error)
	}
	return result, nil
}
