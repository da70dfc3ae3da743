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

// Package transporttest provides an in-memory implementation of the conn
// interfaces for tests. No network I/O happens: commands are recorded, and
// messages are injected with FakePubSubConn.Deliver.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/kvlb/conn"
)

// FakeClients is a conn.ClientFactory that remembers every client it
// creates, so tests can inspect them by address. Connections created by
// its clients are numbered sequentially across all clients, starting at 1.
type FakeClients struct {
	// ConnectErr, if set, is returned by Connect and ConnectPubSub of
	// clients whose address it maps to. It should be populated before any
	// client is created.
	ConnectErr map[string]error

	index atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	clients map[string][]*FakeClient
}

// NewFakeClients constructs a new FakeClients.
func NewFakeClients() *FakeClients {
	return &FakeClients{
		ConnectErr: map[string]error{},
		clients:    map[string][]*FakeClient{},
	}
}

// Factory returns the conn.ClientFactory backed by f.
func (f *FakeClients) Factory() conn.ClientFactory {
	return func(address string) (conn.Client, error) {
		return f.NewClient(address), nil
	}
}

// NewClient creates a client for the given address.
func (f *FakeClients) NewClient(address string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	client := &FakeClient{address: address, owner: f, connectErr: f.ConnectErr[address]}
	f.clients[address] = append(f.clients[address], client)
	return client
}

// Client returns the most recently created client for the given address,
// or nil if there is none.
func (f *FakeClients) Client(address string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.clients[address]
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

// Clients returns every client created for the given address, oldest first.
func (f *FakeClients) Clients(address string) []*FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeClient(nil), f.clients[address]...)
}

// PubSubConns returns every subscribe connection created by any client,
// ordered by index.
func (f *FakeClients) PubSubConns() []*FakePubSubConn {
	f.mu.Lock()
	var all []*FakePubSubConn
	for _, clients := range f.clients {
		for _, client := range clients {
			all = append(all, client.PubSubConns()...)
		}
	}
	f.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all
}

// FakeClient is an implementation of conn.Client for tests.
type FakeClient struct {
	address    string
	owner      *FakeClients
	connectErr error

	shutdown atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	conns []*FakeConn
	// +checklocks:mu
	pubSubConns []*FakePubSubConn
}

// Address implements conn.Client.
func (c *FakeClient) Address() string {
	return c.address
}

// Connect implements conn.Client.
func (c *FakeClient) Connect(ctx context.Context, _ conn.Codec) (conn.Conn, error) {
	if err := c.checkConnect(ctx); err != nil {
		return nil, err
	}
	newConn := &FakeConn{Index: int(c.owner.index.Add(1)), address: c.address}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = append(c.conns, newConn)
	return newConn, nil
}

// ConnectPubSub implements conn.Client.
func (c *FakeClient) ConnectPubSub(ctx context.Context, _ conn.Codec) (conn.PubSubConn, error) {
	if err := c.checkConnect(ctx); err != nil {
		return nil, err
	}
	newConn := &FakePubSubConn{
		Index:    int(c.owner.index.Add(1)),
		address:  c.address,
		channels: map[string]int{},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubSubConns = append(c.pubSubConns, newConn)
	return newConn, nil
}

func (c *FakeClient) checkConnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.shutdown.Load() {
		return fmt.Errorf("client for %s is shut down", c.address)
	}
	return c.connectErr
}

// Shutdown implements conn.Client. It closes every connection the client
// created.
func (c *FakeClient) Shutdown(context.Context) error {
	c.shutdown.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cn := range c.conns {
		_ = cn.Close()
	}
	for _, cn := range c.pubSubConns {
		_ = cn.Close()
	}
	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (c *FakeClient) IsShutdown() bool {
	return c.shutdown.Load()
}

// Conns returns the command connections created so far.
func (c *FakeClient) Conns() []*FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeConn(nil), c.conns...)
}

// PubSubConns returns the subscribe connections created so far.
func (c *FakeClient) PubSubConns() []*FakePubSubConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakePubSubConn(nil), c.pubSubConns...)
}

// FakeConn is an implementation of conn.Conn for tests. Do records the
// command and replies "OK".
type FakeConn struct {
	Index int

	address string
	closed  atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	password string
	// +checklocks:mu
	commands [][]any
}

// Address implements conn.Conn.
func (c *FakeConn) Address() string {
	return c.address
}

// Auth implements conn.Conn.
func (c *FakeConn) Auth(_ context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
	return nil
}

// Password returns the password the connection was authenticated with.
func (c *FakeConn) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

// Do implements conn.Conn.
func (c *FakeConn) Do(ctx context.Context, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, args)
	return "OK", nil
}

// Commands returns the commands sent so far.
func (c *FakeConn) Commands() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]any(nil), c.commands...)
}

// Close implements conn.Conn.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// IsClosed implements conn.Conn.
func (c *FakeConn) IsClosed() bool {
	return c.closed.Load()
}

// FakePubSubConn is an implementation of conn.PubSubConn for tests.
type FakePubSubConn struct {
	Index int

	address string
	closed  atomic.Bool
	handler atomic.Pointer[func(conn.Message)]

	mu sync.Mutex
	// +checklocks:mu
	password string
	// +checklocks:mu
	channels map[string]int
	// +checklocks:mu
	subscribes int
	// +checklocks:mu
	unsubscribes int
}

// Address implements conn.PubSubConn.
func (c *FakePubSubConn) Address() string {
	return c.address
}

// Auth implements conn.PubSubConn.
func (c *FakePubSubConn) Auth(_ context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
	return nil
}

// Password returns the password the connection was authenticated with.
func (c *FakePubSubConn) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

// Subscribe implements conn.PubSubConn.
func (c *FakePubSubConn) Subscribe(_ context.Context, channels ...string) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch]++
		c.subscribes++
	}
	return nil
}

// Unsubscribe implements conn.PubSubConn.
func (c *FakePubSubConn) Unsubscribe(_ context.Context, channels ...string) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
		c.unsubscribes++
	}
	return nil
}

// OnMessage implements conn.PubSubConn.
func (c *FakePubSubConn) OnMessage(handler func(conn.Message)) {
	if handler == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handler)
}

// Deliver simulates the server pushing a message on the given channel. It
// reports whether the connection was subscribed to it (and open), in which
// case the installed handler, if any, has been called before it returns.
func (c *FakePubSubConn) Deliver(channel string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	_, subscribed := c.channels[channel]
	c.mu.Unlock()
	if !subscribed {
		return false
	}
	if handler := c.handler.Load(); handler != nil {
		(*handler)(conn.Message{Channel: channel, Payload: payload})
	}
	return true
}

// DeliverAnyway calls the installed handler regardless of subscription
// state, simulating a message that was already in flight.
func (c *FakePubSubConn) DeliverAnyway(channel string, payload []byte) {
	if handler := c.handler.Load(); handler != nil {
		(*handler)(conn.Message{Channel: channel, Payload: payload})
	}
}

// Channels returns the currently subscribed channels, sorted.
func (c *FakePubSubConn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// SubscribeCount returns the number of physical subscribe commands issued
// for the given channel that have not been unsubscribed.
func (c *FakePubSubConn) SubscribeCount(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// Subscribes returns the total number of channel subscriptions issued.
func (c *FakePubSubConn) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Unsubscribes returns the total number of channel unsubscriptions issued.
func (c *FakePubSubConn) Unsubscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

// Close implements conn.PubSubConn.
func (c *FakePubSubConn) Close() error {
	c.closed.Store(true)
	return nil
}

// IsClosed implements conn.PubSubConn.
func (c *FakePubSubConn) IsClosed() bool {
	return c.closed.Load()
}
