// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool provides the per-node connection entry used by the
// connection manager and the load balancer, along with the two primitives
// it is built from: a [Limiter] (counting permit) and a [FreeList] (idle
// queue).
//
// An [Entry] never enforces its own command pool bound when handing out
// connections. Whoever hands connections to callers (the manager for the
// master, the load balancer for slaves) acquires a slot first and releases
// it when the connection is given back.
package pool

import (
	"context"
	"sync"

	"github.com/bufbuild/kvlb/conn"
	"github.com/pkg/errors"
)

// ErrShutdown is returned when connecting through an entry whose node has
// left the topology.
var ErrShutdown = errors.New("pool: entry is shut down")

// Entry bundles the client for one node with its command and subscription
// connection pools.
type Entry struct {
	client    conn.Client
	connLimit *Limiter
	subLimit  *Limiter

	idle    FreeList[conn.Conn]
	idleSub FreeList[conn.PubSubConn]

	mu sync.Mutex
	// +checklocks:mu
	active map[conn.PubSubConn]struct{}
	// +checklocks:mu
	shutdown bool
}

// NewEntry creates the entry for the node served by client. Both pool sizes
// must be > 0.
func NewEntry(client conn.Client, connPoolSize, subPoolSize int) *Entry {
	return &Entry{
		client:    client,
		connLimit: NewLimiter(connPoolSize),
		subLimit:  NewLimiter(subPoolSize),
		active:    map[conn.PubSubConn]struct{}{},
	}
}

// Address is the "host:port" of the node.
func (e *Entry) Address() string {
	return e.client.Address()
}

// Client returns the client owned by this entry.
func (e *Entry) Client() conn.Client {
	return e.client
}

// TryAcquireConnection reserves a command connection slot if one is free.
func (e *Entry) TryAcquireConnection() bool {
	return e.connLimit.TryAcquire()
}

// AcquireConnection blocks until a command connection slot is free.
func (e *Entry) AcquireConnection(ctx context.Context) error {
	return e.connLimit.Acquire(ctx)
}

// ReleaseConnection frees a command connection slot.
func (e *Entry) ReleaseConnection() {
	e.connLimit.Release()
}

// TryAcquireSubscription reserves a subscribe connection slot if one is free.
func (e *Entry) TryAcquireSubscription() bool {
	return e.subLimit.TryAcquire()
}

// AcquireSubscription blocks until a subscribe connection slot is free.
func (e *Entry) AcquireSubscription(ctx context.Context) error {
	return e.subLimit.Acquire(ctx)
}

// ReleaseSubscription frees a subscribe connection slot.
func (e *Entry) ReleaseSubscription() {
	e.subLimit.Release()
}

// PollConnection takes an idle command connection, if any.
func (e *Entry) PollConnection() (conn.Conn, bool) {
	return e.idle.Poll()
}

// OfferConnection puts a command connection back on the idle list. A closed
// connection, or one offered after Shutdown, is closed instead.
func (e *Entry) OfferConnection(c conn.Conn) {
	e.mu.Lock()
	shutdown := e.shutdown
	e.mu.Unlock()
	if shutdown || c.IsClosed() {
		_ = c.Close()
		return
	}
	e.idle.Offer(c)
}

// DrainConnections empties the idle command list, returning what it held.
func (e *Entry) DrainConnections() []conn.Conn {
	return e.idle.Drain()
}

// Connect opens a new command connection to the node and, when password is
// not empty, authenticates it. The caller must already hold a slot.
func (e *Entry) Connect(ctx context.Context, codec conn.Codec, password string) (conn.Conn, error) {
	if e.isShutdown() {
		return nil, ErrShutdown
	}
	c, err := e.client.Connect(ctx, codec)
	if err != nil {
		return nil, errors.WithMessagef(err, "connecting to %s", e.Address())
	}
	if password != "" {
		if err := c.Auth(ctx, password); err != nil {
			_ = c.Close()
			return nil, errors.WithMessagef(err, "authenticating to %s", e.Address())
		}
	}
	return c, nil
}

// ConnectPubSub returns a subscribe connection to the node, reusing an idle
// one when available. The connection is tracked as live until it is handed
// back with ReturnPubSub. The caller must already hold a slot.
func (e *Entry) ConnectPubSub(ctx context.Context, codec conn.Codec, password string) (conn.PubSubConn, error) {
	if e.isShutdown() {
		return nil, ErrShutdown
	}
	c, ok := e.idleSub.Poll()
	if !ok {
		var err error
		c, err = e.client.ConnectPubSub(ctx, codec)
		if err != nil {
			return nil, errors.WithMessagef(err, "connecting pubsub to %s", e.Address())
		}
		if password != "" {
			if err := c.Auth(ctx, password); err != nil {
				_ = c.Close()
				return nil, errors.WithMessagef(err, "authenticating pubsub to %s", e.Address())
			}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		_ = c.Close()
		return nil, ErrShutdown
	}
	e.active[c] = struct{}{}
	return c, nil
}

// ReturnPubSub stops tracking c as live and keeps it for reuse. It reports
// false if c was not live on this entry, in which case it is left alone.
func (e *Entry) ReturnPubSub(c conn.PubSubConn) bool {
	e.mu.Lock()
	_, ok := e.active[c]
	delete(e.active, c)
	shutdown := e.shutdown
	e.mu.Unlock()
	if !ok {
		return false
	}
	if shutdown || c.IsClosed() {
		_ = c.Close()
		return true
	}
	c.OnMessage(nil)
	e.idleSub.Offer(c)
	return true
}

// ForgetPubSub stops tracking c as live without keeping it for reuse.
func (e *Entry) ForgetPubSub(c conn.PubSubConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[c]
	delete(e.active, c)
	return ok
}

// ActivePubSub returns the subscribe connections currently checked out.
func (e *Entry) ActivePubSub() []conn.PubSubConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make([]conn.PubSubConn, 0, len(e.active))
	for c := range e.active {
		conns = append(conns, c)
	}
	return conns
}

// Load is the number of command and subscribe slots currently held.
func (e *Entry) Load() int {
	return e.connLimit.InUse() + e.subLimit.InUse()
}

// Stats returns a snapshot of the entry's pools.
func (e *Entry) Stats() Stats {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	return Stats{
		Address: e.Address(),
		Connections: LimitStats{
			Size:  e.connLimit.Size(),
			InUse: e.connLimit.InUse(),
			Idle:  e.idle.Len(),
		},
		Subscriptions: LimitStats{
			Size:  e.subLimit.Size(),
			InUse: e.subLimit.InUse(),
			Idle:  e.idleSub.Len(),
		},
		ActivePubSub: active,
	}
}

// Shutdown closes every idle connection and shuts down the client. Live
// subscribe connections are left to their holders, who are expected to
// collect them with ActivePubSub first. Connections handed back after
// Shutdown are closed.
func (e *Entry) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	for _, c := range e.idle.Drain() {
		_ = c.Close()
	}
	for _, c := range e.idleSub.Drain() {
		_ = c.Close()
	}
	if err := e.client.Shutdown(ctx); err != nil {
		return errors.WithMessagef(err, "shutting down client for %s", e.Address())
	}
	return nil
}

func (e *Entry) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// Stats describes the state of an Entry.
type Stats struct {
	Address       string
	Connections   LimitStats
	Subscriptions LimitStats
	// ActivePubSub is the number of subscribe connections checked out.
	ActivePubSub int
}

// LimitStats describes one bounded pool.
type LimitStats struct {
	Size  int
	InUse int
	Idle  int
}
