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

// Package conn provides the representation of the transport that the
// [github.com/bufbuild/kvlb] package manages. A [Client] is the handle to a
// single store node (master or slave). It can open any number of command
// connections ([Conn]) and subscribe connections ([PubSubConn]) to that
// node. The wire protocol itself lives behind these interfaces; see the
// [github.com/bufbuild/kvlb/redistransport] package for an implementation.
package conn

import (
	"context"
)

// Client is a handle to a single node of the cluster. It owns the resources
// shared by every connection made to that node, which are released by
// Shutdown.
type Client interface {
	// Address returns the "host:port" of the node.
	Address() string
	// Connect opens a new command connection to the node. The given codec
	// is used to encode command arguments.
	Connect(ctx context.Context, codec Codec) (Conn, error)
	// ConnectPubSub opens a new subscribe connection to the node.
	ConnectPubSub(ctx context.Context, codec Codec) (PubSubConn, error)
	// Shutdown closes the client. Connections created by the client should
	// not be used after this returns.
	Shutdown(ctx context.Context) error
}

// ClientFactory creates the client for the node at the given "host:port".
// It is invoked once per node: when a slave is registered and whenever the
// master changes.
type ClientFactory func(address string) (Client, error)

// Conn is a single physical command connection.
type Conn interface {
	// Address is the "host:port" of the node this connection is made to.
	Address() string
	// Auth authenticates the connection with the given password.
	Auth(ctx context.Context, password string) error
	// Do sends a command and waits for its reply.
	Do(ctx context.Context, args ...any) (any, error)
	// Close closes the connection.
	Close() error
	// IsClosed reports whether Close has been called or the connection
	// is known to be broken.
	IsClosed() bool
}

// PubSubConn is a single physical subscribe connection. Many channels may be
// subscribed on one connection; every message received for any of them is
// passed to the handler installed with OnMessage.
type PubSubConn interface {
	// Address is the "host:port" of the node this connection is made to.
	Address() string
	// Auth authenticates the connection with the given password.
	Auth(ctx context.Context, password string) error
	// Subscribe issues a subscribe command for the given channels.
	Subscribe(ctx context.Context, channels ...string) error
	// Unsubscribe issues an unsubscribe command for the given channels.
	Unsubscribe(ctx context.Context, channels ...string) error
	// OnMessage installs the message handler, replacing any previous one.
	// A nil handler drops messages.
	OnMessage(handler func(Message))
	// Close closes the connection.
	Close() error
	// IsClosed reports whether Close has been called or the connection
	// is known to be broken.
	IsClosed() bool
}

// Message is a message received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Codec encodes command arguments and decodes replies. It is opaque to the
// connection manager, which only passes it through to connection
// construction.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, target any) error
}
