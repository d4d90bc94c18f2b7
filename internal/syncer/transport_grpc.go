package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const grpcSyncMethodPush = "/edgecore.sync.v1.SyncTransport/Push"
const grpcSyncMethodPull = "/edgecore.sync.v1.SyncTransport/Pull"

// jsonCodec lets the sync service ride plain JSON payloads over a grpc.ClientConn
// without a generated protobuf stub, grounded on the dial-with-retry pattern
// in services/control-plane/main.go.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCTransport implements Transport over a grpc.ClientConn using the JSON
// codec registered above in place of generated protobuf message types.
type GRPCTransport struct {
	conn *grpc.ClientConn
}

// DialGRPCTransport connects to addr with the bounded exponential backoff
// services/control-plane/main.go uses for its consensus dial loop.
func DialGRPCTransport(ctx context.Context, addr string, maxAttempts int) (*GRPCTransport, error) {
	baseDelay := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := grpc.DialContext(dialCtx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
		)
		cancel()
		if err == nil {
			return &GRPCTransport{conn: conn}, nil
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		sleep := baseDelay * time.Duration(1<<(attempt-1))
		if sleep > 8*baseDelay {
			sleep = 8 * baseDelay
		}
		time.Sleep(sleep)
	}
	return nil, fmt.Errorf("dial sync grpc transport %s: %w", addr, lastErr)
}

type grpcPushRequest struct {
	Batch []byte `json:"batch"`
}

type grpcPushResponse struct {
	Success   bool     `json:"success"`
	SyncedIDs []string `json:"synced_ids"`
	Error     string   `json:"error,omitempty"`
}

// Push invokes the remote SyncTransport.Push method.
func (t *GRPCTransport) Push(ctx context.Context, batch *Batch) (PushResult, error) {
	req := grpcPushRequest{Batch: batch.Wire}
	var resp grpcPushResponse
	if err := t.conn.Invoke(ctx, grpcSyncMethodPush, &req, &resp); err != nil {
		return PushResult{}, fmt.Errorf("grpc push invoke: %w", err)
	}
	result := PushResult{Success: resp.Success, SyncedIDs: resp.SyncedIDs}
	if resp.Error != "" {
		result.Err = fmt.Errorf("%s", resp.Error)
	}
	return result, nil
}

type grpcPullRequest struct {
	KnownChecksums map[string]string `json:"known_backend_checksums"`
}

type grpcPullResponse struct {
	Success          bool              `json:"success"`
	Deltas           []byte            `json:"deltas"`
	BackendChecksums map[string]string `json:"backend_checksums"`
	Error            string            `json:"error,omitempty"`
}

// Pull invokes the remote SyncTransport.Pull method.
func (t *GRPCTransport) Pull(ctx context.Context, knownBackendChecksums map[string]string) (PullResult, error) {
	req := grpcPullRequest{KnownChecksums: knownBackendChecksums}
	var resp grpcPullResponse
	if err := t.conn.Invoke(ctx, grpcSyncMethodPull, &req, &resp); err != nil {
		return PullResult{}, fmt.Errorf("grpc pull invoke: %w", err)
	}
	result := PullResult{Success: resp.Success, Deltas: resp.Deltas, BackendChecksums: resp.BackendChecksums}
	if resp.Error != "" {
		result.Err = fmt.Errorf("%s", resp.Error)
	}
	return result, nil
}

// Close releases the underlying connection.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}
