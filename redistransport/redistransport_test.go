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

package redistransport_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bufbuild/kvlb/codec"
	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/redistransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCommandConn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := miniredis.RunT(t)

	client, err := redistransport.NewClient(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(ctx) })
	assert.Equal(t, server.Addr(), client.Address())

	c, err := client.Connect(ctx, codec.Bytes{})
	require.NoError(t, err)
	assert.Equal(t, server.Addr(), c.Address())

	reply, err := c.Do(ctx, "SET", "counter", 41)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	reply, err = c.Do(ctx, "INCR", "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(42), reply)
	got, err := server.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	reply, err = c.Do(ctx, "GET", "missing")
	require.NoError(t, err)
	assert.Nil(t, reply)

	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	_, err = c.Do(ctx, "PING")
	assert.Error(t, err)
}

func TestPubSubConn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := miniredis.RunT(t)

	client, err := redistransport.NewClient(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(ctx) })

	sub, err := client.ConnectPubSub(ctx, codec.Bytes{})
	require.NoError(t, err)
	received := make(chan conn.Message, 1)
	sub.OnMessage(func(msg conn.Message) {
		select {
		case received <- msg:
		default:
		}
	})
	require.NoError(t, sub.Subscribe(ctx, "news"))

	assert.Eventually(t, func() bool {
		return server.Publish("news", "hello") > 0
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case msg := <-received:
		assert.Equal(t, "news", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, sub.Unsubscribe(ctx, "news"))
	assert.Eventually(t, func() bool {
		return server.Publish("news", "bye") == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	assert.True(t, sub.IsClosed())
	assert.Error(t, sub.Subscribe(ctx, "news"))
}

func TestInvalidAddress(t *testing.T) {
	t.Parallel()
	_, err := redistransport.NewClient("no-port")
	assert.Error(t, err)
}

func TestConnectBeyondDefaultPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := miniredis.RunT(t)

	// go-redis defaults to 10 connections per GOMAXPROCS
	size := 10*runtime.GOMAXPROCS(0) + 2
	client, err := redistransport.NewClientFactory(redistransport.Options{PoolSize: size})(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(ctx) })

	conns := make([]conn.Conn, size)
	for i := range conns {
		conns[i], err = client.Connect(ctx, nil)
		require.NoError(t, err)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var grp errgroup.Group
	for _, c := range conns {
		c := c
		grp.Go(func() error {
			_, err := c.Do(timeoutCtx, "PING")
			return err
		})
	}
	require.NoError(t, grp.Wait())
	for _, c := range conns {
		assert.NoError(t, c.Close())
	}
}

func TestConnectUnreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := redistransport.NewClient("127.0.0.1:1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(ctx) })

	c, err := client.Connect(ctx, nil)
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestConnectRequiresAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := miniredis.RunT(t)
	server.RequireAuth("secret")

	client, err := redistransport.NewClient(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown(ctx) })

	// the server answers NOAUTH before Auth, which still means connected
	c, err := client.Connect(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Auth(ctx, "secret"))
	reply, err := c.Do(ctx, "PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)
	require.NoError(t, c.Close())
}
