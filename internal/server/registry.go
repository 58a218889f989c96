// Package server is the compute-node registry: the minimal "is this a
// known server" lookup the façade uses to reject tasks and tickets against
// unregistered servers, supplemented onto spec.md's core model since a
// compute-fleet control plane needs a server directory to dispatch
// against.
package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// bucket is the Object Store bucket servers are persisted under.
const bucket = "cnapi_servers"

// DefaultServers seeds the registry with the fleet a fresh deployment
// ships with, grounded on the teacher's DefaultAgents()-style "list of
// built-in configuration entries" pattern.
func DefaultServers() []*v1.ServerRecord {
	return []*v1.ServerRecord{
		{ID: "headnode", Hostname: "headnode.local", Sysinfo: map[string]any{"role": "head"}},
		{ID: "cn-001", Hostname: "cn-001.local", Sysinfo: map[string]any{"role": "compute"}},
		{ID: "cn-002", Hostname: "cn-002.local", Sysinfo: map[string]any{"role": "compute"}},
	}
}

// Registry is the server directory, persisted through the Object Store so
// it survives a process restart alongside tickets and queues.
type Registry struct {
	store  store.Store
	logger *logger.Logger
}

// New constructs a Registry backed by st.
func New(st store.Store, log *logger.Logger) *Registry {
	return &Registry{store: st, logger: log.WithFields(zap.String("component", "server-registry"))}
}

// Seed registers every DefaultServers() entry. An entry a previous run
// already created is updated in place by Register's upsert, so its
// hostname and sysinfo are reset to the built-in values.
func (r *Registry) Seed(ctx context.Context) error {
	for _, rec := range DefaultServers() {
		if _, err := r.Register(ctx, rec.ID, rec.Hostname, rec.Sysinfo); err != nil {
			return err
		}
	}
	return nil
}

// Register creates or updates a server record.
func (r *Registry) Register(ctx context.Context, id, hostname string, sysinfo map[string]any) (*v1.ServerRecord, error) {
	now := time.Now().UTC()

	existing, err := r.store.Get(ctx, bucket, id)
	var rec v1.ServerRecord
	var expectedVersion int64
	if err == store.ErrNotFound {
		rec = v1.ServerRecord{ID: id, CreatedAt: now}
		expectedVersion = 0
	} else if err != nil {
		return nil, cnapierrors.InternalError("load server record", err)
	} else {
		if err := json.Unmarshal(existing.Value, &rec); err != nil {
			return nil, cnapierrors.InternalError("decode server record", err)
		}
		expectedVersion = existing.Version
	}

	rec.Hostname = hostname
	rec.Sysinfo = sysinfo
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, cnapierrors.InternalError("encode server record", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		_, err = r.store.Put(ctx, bucket, id, data, store.IndexSet{"hostname": hostname}, expectedVersion)
		if err == nil {
			return &rec, nil
		}
		if err != store.ErrVersionConflict {
			return nil, cnapierrors.InternalError("persist server record", err)
		}
		// Someone else registered/updated concurrently; reload and retry.
		latest, getErr := r.store.Get(ctx, bucket, id)
		if getErr != nil {
			return nil, cnapierrors.InternalError("reload server record after conflict", getErr)
		}
		expectedVersion = latest.Version
	}
	return nil, cnapierrors.Conflict("server record update could not be applied")
}

// Get looks up a server by id, returning cnapierrors.NotFound if unknown.
func (r *Registry) Get(ctx context.Context, id string) (*v1.ServerRecord, error) {
	rec, err := r.store.Get(ctx, bucket, id)
	if err == store.ErrNotFound {
		return nil, cnapierrors.NotFound("server", id)
	}
	if err != nil {
		return nil, cnapierrors.InternalError("load server record", err)
	}

	var out v1.ServerRecord
	if err := json.Unmarshal(rec.Value, &out); err != nil {
		return nil, cnapierrors.InternalError("decode server record", err)
	}
	return &out, nil
}

// Known reports whether id names a registered server, the check the
// façade runs before accepting a task or ticket against it.
func (r *Registry) Known(ctx context.Context, id string) bool {
	_, err := r.Get(ctx, id)
	return err == nil
}

// List returns every registered server, sorted by hostname.
func (r *Registry) List(ctx context.Context) ([]*v1.ServerRecord, error) {
	recs, err := r.store.Find(ctx, bucket, nil, store.FindOptions{SortBy: "hostname"})
	if err != nil {
		return nil, cnapierrors.InternalError("list server records", err)
	}

	out := make([]*v1.ServerRecord, 0, len(recs))
	for _, rec := range recs {
		var sr v1.ServerRecord
		if err := json.Unmarshal(rec.Value, &sr); err != nil {
			return nil, cnapierrors.InternalError("decode server record", err)
		}
		out = append(out, &sr)
	}
	return out, nil
}
