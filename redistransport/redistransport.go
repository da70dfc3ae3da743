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

// Package redistransport implements the conn interfaces over go-redis.
//
// Each [conn.Client] wraps one [redis.Client] pinned to a single node. A
// command [conn.Conn] is a dedicated [redis.Conn] taken from that client, and
// a [conn.PubSubConn] is a [redis.PubSub]. Command connections are dialed by
// Connect, so an unreachable node fails there. Subscribe connections are
// dialed by their first Subscribe, once the password is known.
//
// A dedicated [redis.Conn] holds one slot of the go-redis pool until it is
// closed, so Options.PoolSize must cover every command connection open at
// once on a node, idle ones included.
//
// Dialing honors the ALL_PROXY and NO_PROXY environment variables.
package redistransport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/kvlb/conn"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/proxy"
)

// Options configures the clients created by NewClientFactory.
type Options struct {
	// DialTimeout bounds establishing a connection. Defaults to 5 seconds.
	DialTimeout time.Duration
	// ReadTimeout and WriteTimeout bound socket reads and writes of
	// command connections. Zero uses the go-redis defaults.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TLSConfig, if set, enables TLS.
	TLSConfig *tls.Config
	// Dialer overrides the proxy-aware default dialer.
	Dialer func(ctx context.Context, network, address string) (net.Conn, error)
	// PoolSize is the number of command connections a client can have open
	// at once. Zero uses the go-redis default of 10 per GOMAXPROCS.
	PoolSize int
}

// NewClient is a conn.ClientFactory using the default options.
func NewClient(address string) (conn.Client, error) {
	return NewClientFactory(Options{})(address)
}

// NewClientFactory returns a conn.ClientFactory creating go-redis backed
// clients.
func NewClientFactory(opts Options) conn.ClientFactory {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = proxy.Dial
	}
	return func(address string) (conn.Client, error) {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, errors.WithMessagef(err, "invalid address %q", address)
		}
		c := &client{address: address}
		c.redis = redis.NewClient(&redis.Options{
			Addr:         address,
			Dialer:       opts.Dialer,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			TLSConfig:    opts.TLSConfig,
			PoolSize:     opts.PoolSize,
			// Subscribe connections cannot be authenticated after the
			// fact, so they pick up the password when go-redis dials.
			CredentialsProvider: c.credentials,
		})
		return c, nil
	}
}

type client struct {
	address  string
	redis    *redis.Client
	password atomic.Pointer[string]
}

func (c *client) Address() string {
	return c.address
}

func (c *client) Connect(ctx context.Context, codec conn.Codec) (conn.Conn, error) {
	cn := c.redis.Conn()
	// Any reply means the dial succeeded. NOAUTH is expected before Auth.
	if err := cn.Ping(ctx).Err(); err != nil && !isReply(err) {
		_ = cn.Close()
		return nil, err
	}
	return &commandConn{client: c, redis: cn, codec: codec}, nil
}

// isReply reports whether err is an error reply sent by the server.
func isReply(err error) bool {
	var reply redis.Error
	return errors.As(err, &reply)
}

func (c *client) ConnectPubSub(ctx context.Context, _ conn.Codec) (conn.PubSubConn, error) {
	return &pubSubConn{client: c, pubsub: c.redis.Subscribe(ctx)}, nil
}

func (c *client) Shutdown(context.Context) error {
	if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return errors.WithMessagef(err, "closing client for %s", c.address)
	}
	return nil
}

func (c *client) credentials() (string, string) {
	if password := c.password.Load(); password != nil {
		return "", *password
	}
	return "", ""
}

type commandConn struct {
	client *client
	redis  *redis.Conn
	codec  conn.Codec
	closed atomic.Bool
}

func (c *commandConn) Address() string {
	return c.client.address
}

func (c *commandConn) Auth(ctx context.Context, password string) error {
	c.client.password.Store(&password)
	return c.redis.Auth(ctx, password).Err()
}

// Do sends a command. The command name is sent as given; the remaining
// arguments go through the codec. A nil reply is returned as a nil value
// with no error.
func (c *commandConn) Do(ctx context.Context, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, redis.ErrClosed
	}
	if c.codec != nil {
		encoded := make([]any, len(args))
		for i, arg := range args {
			if i == 0 {
				encoded[i] = arg
				continue
			}
			data, err := c.codec.Encode(arg)
			if err != nil {
				return nil, errors.WithMessagef(err, "encoding argument %d", i)
			}
			encoded[i] = data
		}
		args = encoded
	}
	cmd := redis.NewCmd(ctx, args...)
	_ = c.redis.Process(ctx, cmd)
	reply, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return reply, err
}

func (c *commandConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.redis.Close()
}

func (c *commandConn) IsClosed() bool {
	return c.closed.Load()
}

type pubSubConn struct {
	client *client
	pubsub *redis.PubSub
	closed atomic.Bool

	handler  atomic.Pointer[func(conn.Message)]
	receiver sync.Once
}

func (c *pubSubConn) Address() string {
	return c.client.address
}

func (c *pubSubConn) Auth(_ context.Context, password string) error {
	c.client.password.Store(&password)
	return nil
}

func (c *pubSubConn) Subscribe(ctx context.Context, channels ...string) error {
	if c.closed.Load() {
		return redis.ErrClosed
	}
	if err := c.pubsub.Subscribe(ctx, channels...); err != nil {
		return err
	}
	c.receiver.Do(func() {
		go c.receive(c.pubsub.Channel())
	})
	return nil
}

func (c *pubSubConn) Unsubscribe(ctx context.Context, channels ...string) error {
	if c.closed.Load() {
		return redis.ErrClosed
	}
	return c.pubsub.Unsubscribe(ctx, channels...)
}

func (c *pubSubConn) OnMessage(handler func(conn.Message)) {
	if handler == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handler)
}

func (c *pubSubConn) receive(messages <-chan *redis.Message) {
	for msg := range messages {
		if handler := c.handler.Load(); handler != nil {
			(*handler)(conn.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}
}

func (c *pubSubConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pubsub.Close()
}

func (c *pubSubConn) IsClosed() bool {
	return c.closed.Load()
}
