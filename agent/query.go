// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/realm-foundation/realm/lib/codec"
	"github.com/realm-foundation/realm/lib/config"
	"github.com/realm-foundation/realm/lib/ring"
	"github.com/realm-foundation/realm/lib/schema"
)

// queryTimeout bounds one query connection end to end.
const queryTimeout = 30 * time.Second

// meshQueryWait is how long a "nodes" query waits for the first mesh
// status reply before answering from the cached view.
const meshQueryWait = 3 * time.Second

// maxJobPage bounds the job listing page size.
const maxJobPage = 500

// QueryRequest is one request on the query socket.
type QueryRequest struct {
	Action string `json:"action"`

	// Logs parameters.
	Source string `json:"source,omitempty"`
	Limit  int    `json:"limit,omitempty"`

	// Jobs parameters.
	Status string `json:"status,omitempty"`

	// Storage parameters.
	Digest   string `json:"digest,omitempty"`
	Pinned   bool   `json:"pinned,omitempty"`
	GCTarget uint64 `json:"gc_target,omitempty"`

	// Policy write.
	Policy *config.Policy `json:"policy,omitempty"`

	// Volume operations.
	Volume string `json:"volume,omitempty"`

	// Mesh status query targeting.
	Target schema.Targeting `json:"target,omitempty"`
}

// QueryResponse is the uniform reply shape.
type QueryResponse struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	Result codec.RawMessage `json:"result,omitempty"`
}

// serveQueries runs the local query socket until ctx is cancelled.
// One CBOR request per connection, mirroring the mesh's one-envelope-
// at-a-time discipline.
func (a *Agent) serveQueries(ctx context.Context) {
	socketPath := a.layout.QuerySocketPath()
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		a.logger.Error("query socket unavailable", "path", socketPath, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				os.Remove(socketPath)
				return
			}
			continue
		}
		go a.handleQueryConn(ctx, conn)
	}
}

func (a *Agent) handleQueryConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(queryTimeout))

	var request QueryRequest
	if err := codec.NewDecoder(conn).Decode(&request); err != nil {
		return
	}

	result, err := a.handleQuery(ctx, &request)
	response := QueryResponse{OK: err == nil}
	if err != nil {
		response.Error = err.Error()
	} else if result != nil {
		raw, encodeErr := codec.Marshal(result)
		if encodeErr != nil {
			response.OK = false
			response.Error = encodeErr.Error()
		} else {
			response.Result = raw
		}
	}
	codec.NewEncoder(conn).Encode(&response)
}

// handleQuery executes one query action.
func (a *Agent) handleQuery(ctx context.Context, request *QueryRequest) (any, error) {
	switch request.Action {
	case "status":
		return a.reporter.Snapshot(), nil

	case "nodes":
		return a.queryNodes(ctx, request.Target), nil

	case "components":
		return a.supervisor.Statuses(), nil

	case "jobs":
		limit := request.Limit
		if limit <= 0 || limit > maxJobPage {
			limit = maxJobPage
		}
		return a.scheduler.List(schema.JobStatus(request.Status), limit), nil

	case "logs":
		source := request.Source
		if source == "" {
			source = ring.AllSources
		}
		return a.logs.Tail(source, request.Limit), nil

	case "log-sources":
		return a.logs.Sources(), nil

	case "storage":
		return a.store.List(), nil

	case "pin":
		if err := a.store.Pin(request.Digest, request.Pinned); err != nil {
			return nil, err
		}
		return nil, nil

	case "gc":
		target := request.GCTarget
		if target == 0 {
			target = a.options.GCTarget
		}
		if err := a.store.GC(target); err != nil {
			return nil, err
		}
		return a.store.TotalSize(), nil

	case "policy":
		return a.policy.Current(), nil

	case "policy-set":
		if request.Policy == nil {
			return nil, fmt.Errorf("policy-set requires a policy body")
		}
		if err := a.policy.Update(*request.Policy); err != nil {
			return nil, err
		}
		return a.policy.Current(), nil

	case "volumes":
		return a.supervisor.Volumes()

	case "volume-clear":
		return nil, a.supervisor.ClearVolume(request.Volume)

	default:
		return nil, fmt.Errorf("unknown action %q", request.Action)
	}
}

// queryNodes answers a node listing: this node's snapshot plus every
// peer's. A fresh mesh query is issued; the first reply (or the wait
// deadline) refreshes the cached view, and the cache answers.
func (a *Agent) queryNodes(ctx context.Context, target schema.Targeting) []schema.Snapshot {
	queryID := uuid.NewString()
	waiter := make(chan schema.Snapshot, 1)
	a.mu.Lock()
	a.pendingQueries[queryID] = waiter
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingQueries, queryID)
		a.mu.Unlock()
	}()

	if envelope, err := schema.Unsigned(schema.KindStatusQuery, schema.StatusQueryPayload{
		QueryID: queryID,
		Target:  target,
	}); err == nil {
		a.publishEnvelope(schema.TopicStatus, envelope)
		select {
		case <-waiter:
		case <-a.clock.After(meshQueryWait):
		case <-ctx.Done():
		}
	}

	snapshots := []schema.Snapshot{a.reporter.Snapshot()}
	snapshots = append(snapshots, a.peerSnapshots()...)
	return snapshots
}
