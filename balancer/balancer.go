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

// Package balancer selects slave nodes for read and subscribe connections.
//
// A [LoadBalancer] holds one [pool.Entry] per slave address. Each call to
// NextConnection or NextPubSubConnection picks an entry with a
// [picker.Picker], reserves a slot on that entry and hands out a connection
// from it. Giving the connection back releases the slot. The number of
// connections checked out from an entry therefore never exceeds the pool
// sizes the entry was created with.
//
// When every entry is exhausted the default balancer waits for a slot on
// the next picked entry until the caller's context is done. With
// [WithFailFast] it returns [ErrPoolExhausted] instead.
package balancer

import (
	"context"

	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/pool"
	"github.com/pkg/errors"
)

var (
	// ErrNoSlaves is returned when a connection is requested but no slave
	// entry is registered.
	ErrNoSlaves = errors.New("balancer: no slaves available")
	// ErrPoolExhausted is returned in fail-fast mode when every slave entry
	// has all of its slots in use.
	ErrPoolExhausted = errors.New("balancer: slave connection pools exhausted")
	// ErrDuplicateAddress is returned by Add when an entry for the same
	// address is already registered.
	ErrDuplicateAddress = errors.New("balancer: duplicate slave address")
	// ErrClosed is returned once the balancer has been closed.
	ErrClosed = errors.New("balancer: closed")
)

// LoadBalancer manages the connection entries of the slave nodes.
type LoadBalancer interface {
	// Init sets the codec and password used for every connection opened
	// afterwards. It is called once, before any entry is added.
	Init(codec conn.Codec, password string)
	// Add registers the entry of a new slave node. The balancer takes
	// ownership of the entry and shuts it down when it is removed.
	Add(entry *pool.Entry) error
	// Remove unregisters the entry for the given "host:port" and shuts it
	// down. It returns the subscribe connections that were checked out from
	// that entry, which the caller must migrate. Removing an unknown address
	// returns nothing.
	Remove(ctx context.Context, address string) []conn.PubSubConn
	// NextConnection returns a command connection to some slave.
	NextConnection(ctx context.Context) (conn.Conn, error)
	// NextPubSubConnection returns a subscribe connection to some slave.
	NextPubSubConnection(ctx context.Context) (conn.PubSubConn, error)
	// ReturnConnection gives back a connection from NextConnection.
	ReturnConnection(c conn.Conn)
	// ReturnSubscribeConnection gives back a connection from
	// NextPubSubConnection.
	ReturnSubscribeConnection(c conn.PubSubConn)
	// Entries returns the registered entries in the order they were added.
	Entries() []*pool.Entry
	// Close shuts down every entry. Connections handed out afterwards fail
	// with ErrClosed.
	Close(ctx context.Context) error
}
