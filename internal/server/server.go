// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package server binds the framed local endpoint to the JSON-RPC method
// set, owning the routing between client connections, the job registry
// and the configured queues.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/leaf-ai/go-service/pkg/log"
	"github.com/lthibault/jitterbug"

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
	"github.com/leaf-ai/molequeue/internal/jsonrpc"
	"github.com/leaf-ai/molequeue/internal/queue"
	"github.com/leaf-ai/molequeue/internal/transport"
)

// syncInterval is the cadence of the background registry flush.  The
// jitter keeps several daemons on one workstation from aligning their
// disk writes.
const syncInterval = 10 * time.Second

// Server is the dispatcher.  One instance owns the listener and all of
// the shared state behind it.
type Server struct {
	listener *transport.Listener
	reg      *job.Registry
	mgr      *queue.Manager
	elog     *eventlog.Log
	logger   *log.Logger

	openWith *OpenWithStore

	// conns indexes live connections, owners remembers which endpoint
	// submitted each job so state changes can be routed back.
	conns  map[string]*transport.Connection
	owners map[uint64]string

	killC chan struct{}

	sync.Mutex
}

// New wires a server to its collaborators.  The registry hooks are
// installed here so every job acquires a working directory no matter
// which code path created it.
func New(listener *transport.Listener, reg *job.Registry, mgr *queue.Manager,
	elog *eventlog.Log, logger *log.Logger, configDir string) (srv *Server) {

	srv = &Server{
		listener: listener,
		reg:      reg,
		mgr:      mgr,
		elog:     elog,
		logger:   logger,
		openWith: NewOpenWithStore(configDir),
		conns:    map[string]*transport.Connection{},
		owners:   map[uint64]string{},
		killC:    make(chan struct{}, 1),
	}

	reg.SubscribeAboutToAdd(func(j *job.Job) {
		if len(j.LocalWorkingDirectory) == 0 {
			j.LocalWorkingDirectory = reg.JobDir(j.MoleQueueID)
		}
	})
	reg.SubscribeStateChanged(srv.routeStateChange)

	return srv
}

// OpenWith exposes the handler registry for loading at startup.
func (srv *Server) OpenWith() (store *OpenWithStore) {
	return srv.openWith
}

// KillRequested closes over the rpcKill signal, the main loop treats it
// like an interrupt.
func (srv *Server) KillRequested() (killC <-chan struct{}) {
	return srv.killC
}

// Run accepts connections and flushes the registry until the context is
// cancelled.
func (srv *Server) Run(ctx context.Context) {
	tick := jitterbug.New(syncInterval, &jitterbug.Norm{Stdev: syncInterval / 10})
	defer tick.Stop()

	for {
		select {
		case conn := <-srv.listener.Accepted():
			if conn != nil {
				srv.serve(conn)
			}
		case <-tick.C:
			if err := srv.reg.SyncToDisk(); err != nil {
				srv.logger.Warn("registry sync failed", "error", err.Error())
			}
		case <-ctx.Done():
			if err := srv.reg.SyncToDisk(); err != nil {
				srv.logger.Warn("final registry sync failed", "error", err.Error())
			}
			return
		}
	}
}

// serve registers a connection and starts draining it.  The drain
// goroutine must be running before held packets are released.
func (srv *Server) serve(conn *transport.Connection) {
	endpoint := conn.Endpoint()

	srv.Lock()
	srv.conns[endpoint] = conn
	srv.Unlock()
	connectionsOpen.Inc()

	recvC := conn.Received()
	go func() {
		for payload := range recvC {
			srv.handlePayload(conn, payload)
		}
		srv.dropEndpoint(endpoint)
	}()

	conn.Begin()
}

// dropEndpoint forgets a disconnected client.  Jobs it owned keep
// running, only the notification routing is purged.
func (srv *Server) dropEndpoint(endpoint string) {
	srv.Lock()
	_, wasPresent := srv.conns[endpoint]
	delete(srv.conns, endpoint)
	for moleQueueID, owner := range srv.owners {
		if owner == endpoint {
			delete(srv.owners, moleQueueID)
		}
	}
	srv.Unlock()

	if wasPresent {
		connectionsOpen.Dec()
	}
}

// handlePayload decodes one framed payload, dispatches its requests and
// sends back whatever responses are owed.
func (srv *Server) handlePayload(conn *transport.Connection, payload []byte) {
	results, batch := jsonrpc.Parse(payload)

	killRequested := false
	responses := make([]*jsonrpc.Message, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			responses = append(responses, jsonrpc.NewErrorResponse(result.ID, result.Err))
			continue
		}

		msg := result.Msg
		switch msg.Kind {
		case jsonrpc.KindRequest:
			responses = append(responses, srv.dispatch(conn.Endpoint(), msg))
			if msg.Method == "rpcKill" {
				killRequested = true
			}
		case jsonrpc.KindNotification:
			srv.dispatch(conn.Endpoint(), msg)
			if msg.Method == "rpcKill" {
				killRequested = true
			}
		default:
			// The daemon only sends notifications so no peer response
			// is ever outstanding
			srv.logger.Debug("discarding unexpected message", "endpoint", conn.Endpoint(), "kind", msg.Kind.String())
		}
	}

	if len(responses) != 0 {
		var data []byte
		if batch {
			batched, marshalErr := jsonrpc.MarshalBatch(responses)
			if marshalErr != nil {
				srv.logger.Warn("batch response lost", "endpoint", conn.Endpoint(), "error", marshalErr.Error())
				return
			}
			data = batched
		} else {
			single, marshalErr := responses[0].Marshal()
			if marshalErr != nil {
				srv.logger.Warn("response lost", "endpoint", conn.Endpoint(), "error", marshalErr.Error())
				return
			}
			data = single
		}
		if sendErr := conn.Send(data); sendErr != nil {
			srv.logger.Warn("response could not be delivered", "endpoint", conn.Endpoint(), "error", sendErr.Error())
		}
	}

	if killRequested {
		select {
		case srv.killC <- struct{}{}:
		default:
		}
	}
}

// dispatch routes one request to its method handler, producing the
// response message.
func (srv *Server) dispatch(endpoint string, msg *jsonrpc.Message) (resp *jsonrpc.Message) {
	requestsProcessed.WithLabelValues(msg.Method).Inc()

	var result interface{}
	var rpcErr *jsonrpc.Error

	switch msg.Method {
	case "listQueues":
		result = srv.listQueues()
	case "submitJob":
		result, rpcErr = srv.submitJob(endpoint, msg.Params)
	case "cancelJob":
		result, rpcErr = srv.cancelJob(msg.Params)
	case "lookupJob":
		result, rpcErr = srv.lookupJob(msg.Params)
	case "registerOpenWith":
		result, rpcErr = srv.registerOpenWith(msg.Params)
	case "listOpenWithNames":
		result = srv.openWith.Names()
	case "unregisterOpenWith":
		result, rpcErr = srv.unregisterOpenWith(msg.Params)
	case "rpcKill":
		result = true
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, msg.Method)
	}

	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(msg.ID, rpcErr)
	}

	response, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		srv.logger.Warn("result could not be marshalled", "method", msg.Method, "error", err.Error())
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "result could not be marshalled"))
	}
	return response
}

// listQueues maps each queue name to its configured program names.
func (srv *Server) listQueues() (queues map[string][]string) {
	queues = map[string][]string{}
	for _, q := range srv.mgr.All() {
		queues[q.Name()] = q.ProgramNames()
	}
	return queues
}

func stringField(fields map[string]json.RawMessage, key string) (value string, isString bool) {
	raw, isPresent := fields[key]
	if !isPresent {
		return "", false
	}
	if errGo := json.Unmarshal(raw, &value); errGo != nil {
		return "", false
	}
	return value, true
}

// submitJob validates the description, registers the job and routes it
// to its queue.  Validation failures are invalid parameter errors with
// a human readable description, the job is not created.
func (srv *Server) submitJob(endpoint string, params json.RawMessage) (result interface{}, rpcErr *jsonrpc.Error) {
	fields := map[string]json.RawMessage{}
	if len(params) == 0 || json.Unmarshal(params, &fields) != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "params must be a job description object")
	}

	queueName, isString := stringField(fields, "queue")
	if !isString {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "queue must be supplied as a string")
	}
	programName, isString := stringField(fields, "program")
	if !isString {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "program must be supplied as a string")
	}

	q, isPresent := srv.mgr.Lookup(queueName)
	if !isPresent {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown queue %q", queueName))
	}
	if _, isPresent = q.LookupProgram(programName); !isPresent {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("queue %q does not configure program %q", queueName, programName))
	}

	j, err := srv.reg.NewJobFromJSON(params)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}

	srv.Lock()
	srv.owners[j.MoleQueueID] = endpoint
	srv.Unlock()

	srv.reg.SetState(j.MoleQueueID, job.Accepted)

	if err = q.Submit(j.MoleQueueID); err != nil {
		srv.elog.AppendJob(eventlog.Error,
			fmt.Sprintf("queue refused the job: %s", err.Error()), j.MoleQueueID)
		srv.reg.SetState(j.MoleQueueID, job.Error)
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}

	return map[string]uint64{"moleQueueId": j.MoleQueueID}, nil
}

type jobRef struct {
	MoleQueueID *uint64 `json:"moleQueueId"`
}

func parseJobRef(params json.RawMessage) (moleQueueID uint64, rpcErr *jsonrpc.Error) {
	ref := jobRef{}
	if len(params) == 0 || json.Unmarshal(params, &ref) != nil || ref.MoleQueueID == nil {
		return 0, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "moleQueueId must be supplied as an integer")
	}
	return *ref.MoleQueueID, nil
}

// cancelJob routes the cancellation to whichever queue owns the job.
func (srv *Server) cancelJob(params json.RawMessage) (result interface{}, rpcErr *jsonrpc.Error) {
	moleQueueID, rpcErr := parseJobRef(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	j, isPresent := srv.reg.Lookup(moleQueueID)
	if !isPresent {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown job %d", moleQueueID))
	}

	q, isPresent := srv.mgr.Lookup(j.Queue)
	if !isPresent {
		// The queue was deleted from under the job, all that is left is
		// the bookkeeping
		if err := srv.reg.SetState(moleQueueID, job.Canceled); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		}
		return map[string]uint64{"moleQueueId": moleQueueID}, nil
	}

	if err := q.Kill(moleQueueID); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return map[string]uint64{"moleQueueId": moleQueueID}, nil
}

// lookupJob returns the stored description verbatim.
func (srv *Server) lookupJob(params json.RawMessage) (result interface{}, rpcErr *jsonrpc.Error) {
	moleQueueID, rpcErr := parseJobRef(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	j, isPresent := srv.reg.Lookup(moleQueueID)
	if !isPresent {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown job %d", moleQueueID))
	}

	data, err := j.Marshal()
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return json.RawMessage(data), nil
}

func (srv *Server) registerOpenWith(params json.RawMessage) (result interface{}, rpcErr *jsonrpc.Error) {
	entry := OpenWithEntry{}
	if len(params) == 0 || json.Unmarshal(params, &entry) != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "params must be a handler description object")
	}
	if err := srv.openWith.Register(entry); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	return true, nil
}

func (srv *Server) unregisterOpenWith(params json.RawMessage) (result interface{}, rpcErr *jsonrpc.Error) {
	fields := map[string]json.RawMessage{}
	if len(params) == 0 || json.Unmarshal(params, &fields) != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "params must be an object naming the handler")
	}
	name, isString := stringField(fields, "name")
	if !isString {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "name must be supplied as a string")
	}
	if err := srv.openWith.Unregister(name); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	return true, nil
}

// routeStateChange pushes a jobStateChanged notification to the client
// that submitted the job.  A vanished client is purged silently, the
// job itself is unaffected.
func (srv *Server) routeStateChange(change job.StateChange) {
	if change.Old != job.None {
		jobStates.WithLabelValues(change.Old.String()).Dec()
	}
	jobStates.WithLabelValues(change.New.String()).Inc()

	srv.Lock()
	endpoint, isOwned := srv.owners[change.Job.MoleQueueID]
	conn := srv.conns[endpoint]
	srv.Unlock()

	if !isOwned || conn == nil {
		return
	}

	note, err := jsonrpc.NewNotification("jobStateChanged", map[string]interface{}{
		"moleQueueId": change.Job.MoleQueueID,
		"oldState":    change.Old,
		"newState":    change.New,
	})
	if err != nil {
		return
	}
	data, err := note.Marshal()
	if err != nil {
		return
	}

	if err = conn.Send(data); err != nil {
		srv.logger.Debug("state change dropped, client is gone", "endpoint", endpoint, "moleQueueId", change.Job.MoleQueueID)
		srv.dropEndpoint(endpoint)
	}
}
