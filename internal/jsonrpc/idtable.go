// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package jsonrpc

// This file contains the request origin table used when the daemon itself
// originates requests toward clients.  Clients are free to reuse numeric
// ids between themselves, so daemon side ids come from a process wide
// monotonic counter and are mapped back to the owning connection and the
// id the peer expects when the response arrives.

import (
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/atomic"
)

// PeerRef identifies the origin of a request, the endpoint of the
// connection it arrived on together with the id the peer used.
type PeerRef struct {
	Endpoint string
	PeerID   json.RawMessage
}

// IDTable allocates daemon side request ids and remembers which peer each
// one belongs to until the matching response is seen.
type IDTable struct {
	next    atomic.Uint64
	pending map[uint64]PeerRef
	sync.Mutex
}

func NewIDTable() (table *IDTable) {
	return &IDTable{
		pending: map[uint64]PeerRef{},
	}
}

// Register allocates a fresh id and records the peer it stands in for.
// The returned raw form is what goes onto the wire.
func (table *IDTable) Register(endpoint string, peerID json.RawMessage) (localID uint64, raw json.RawMessage) {
	localID = table.next.Inc()

	table.Lock()
	table.pending[localID] = PeerRef{Endpoint: endpoint, PeerID: peerID}
	table.Unlock()

	return localID, json.RawMessage(strconv.FormatUint(localID, 10))
}

// Resolve translates a daemon side id back to the owning peer and retires
// the mapping.
func (table *IDTable) Resolve(raw json.RawMessage) (ref PeerRef, isPresent bool) {
	localID, errGo := strconv.ParseUint(string(raw), 10, 64)
	if errGo != nil {
		return ref, false
	}

	table.Lock()
	defer table.Unlock()

	ref, isPresent = table.pending[localID]
	if isPresent {
		delete(table.pending, localID)
	}
	return ref, isPresent
}

// PurgeEndpoint drops every pending mapping belonging to a connection,
// used when a client disconnects with requests still in flight.
func (table *IDTable) PurgeEndpoint(endpoint string) {
	table.Lock()
	defer table.Unlock()

	for localID, ref := range table.pending {
		if ref.Endpoint == endpoint {
			delete(table.pending, localID)
		}
	}
}
