package syncer

import "context"

// PushResult is the outcome of handing a batch to the remote.
type PushResult struct {
	Success   bool
	SyncedIDs []string
	Err       error
}

// PullResult is what the remote returns for an incoming sync.
type PullResult struct {
	Success          bool
	Deltas           []byte // wire-format batch, possibly gzipped
	BackendChecksums map[string]string
	Err              error
}

// Transport is the required Sync Transport interface (§6): push/pull
// round trips over an opaque channel (NATS, gRPC, HTTP...).
type Transport interface {
	Push(ctx context.Context, batch *Batch) (PushResult, error)
	Pull(ctx context.Context, knownBackendChecksums map[string]string) (PullResult, error)
}
