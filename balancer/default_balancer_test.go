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

package balancer_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bufbuild/kvlb/balancer"
	"github.com/bufbuild/kvlb/health"
	"github.com/bufbuild/kvlb/internal/transporttest"
	"github.com/bufbuild/kvlb/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancer_NoSlaves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := balancer.New()
	_, err := b.NextConnection(ctx)
	assert.ErrorIs(t, err, balancer.ErrNoSlaves)
	_, err = b.NextPubSubConnection(ctx)
	assert.ErrorIs(t, err, balancer.ErrNoSlaves)
	assert.Empty(t, b.Remove(ctx, "10.0.0.1:6379"))
}

func TestBalancer_SpreadsAndReuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 2, 2, []string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"})

	addrs := map[string]struct{}{}
	var conns []*transporttest.FakeConn
	for i := 0; i < 3; i++ {
		c, err := b.NextConnection(ctx)
		require.NoError(t, err)
		addrs[c.Address()] = struct{}{}
		conns = append(conns, c.(*transporttest.FakeConn)) //nolint:forcetypeassert
	}
	// round-robin visits every entry once before repeating
	assert.Len(t, addrs, 3)

	b.ReturnConnection(conns[0])
	for _, entry := range b.Entries() {
		if entry.Address() == conns[0].Address() {
			assert.Equal(t, 0, entry.Stats().Connections.InUse)
			assert.Equal(t, 1, entry.Stats().Connections.Idle)
		}
	}
	// A returned connection goes back to its own entry's idle list and is
	// handed out again before a new one is opened.
	for i := 0; i < 3; i++ {
		c, err := b.NextConnection(ctx)
		require.NoError(t, err)
		if c.Address() == conns[0].Address() {
			assert.Same(t, conns[0], c)
		}
	}
}

func TestBalancer_FailFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 1, 1, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, balancer.WithFailFast())

	first, err := b.NextConnection(ctx)
	require.NoError(t, err)
	second, err := b.NextConnection(ctx)
	require.NoError(t, err)
	// the exhausted entry is skipped
	assert.NotEqual(t, first.Address(), second.Address())

	_, err = b.NextConnection(ctx)
	assert.ErrorIs(t, err, balancer.ErrPoolExhausted)

	b.ReturnConnection(second)
	third, err := b.NextConnection(ctx)
	require.NoError(t, err)
	assert.Same(t, second, third)

	// subscribe slots are accounted separately from command slots
	sub, err := b.NextPubSubConnection(ctx)
	require.NoError(t, err)
	_, err = b.NextPubSubConnection(ctx)
	require.NoError(t, err)
	_, err = b.NextPubSubConnection(ctx)
	assert.ErrorIs(t, err, balancer.ErrPoolExhausted)
	b.ReturnSubscribeConnection(sub)
	again, err := b.NextPubSubConnection(ctx)
	require.NoError(t, err)
	assert.Same(t, sub, again)
}

func TestBalancer_WaitsForSlot(t *testing.T) {
	t.Parallel()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 1, 1, []string{"10.0.0.1:6379"})

	held, err := b.NextConnection(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.NextConnection(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() {
		c, err := b.NextConnection(context.Background())
		if err == nil && c != held {
			err = errors.New("expected the released connection to be reused")
		}
		got <- err
	}()
	select {
	case err := <-got:
		t.Fatalf("acquire returned before release: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	b.ReturnConnection(held)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestBalancer_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 2, 2, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, balancer.WithFailFast())

	var removedConn, keptSub, removedSub = findConns(ctx, t, b, "10.0.0.1:6379")
	require.NotNil(t, removedConn)
	require.NotNil(t, removedSub)
	require.NotNil(t, keptSub)

	live := b.Remove(ctx, "10.0.0.1:6379")
	require.Len(t, live, 1)
	assert.Same(t, removedSub, live[0])
	assert.True(t, clients.Client("10.0.0.1:6379").IsShutdown())
	assert.False(t, clients.Client("10.0.0.2:6379").IsShutdown())

	entries := b.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.2:6379", entries[0].Address())

	// idempotent
	assert.Empty(t, b.Remove(ctx, "10.0.0.1:6379"))

	// a connection returned to a removed entry is closed, not reused
	b.ReturnConnection(removedConn)
	assert.True(t, removedConn.IsClosed())
	for i := 0; i < 4; i++ {
		c, err := b.NextConnection(ctx)
		if errors.Is(err, balancer.ErrPoolExhausted) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:6379", c.Address())
	}
}

func TestBalancer_Auth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := balancer.New(balancer.WithHealthChecks(noHealthChecks{}))
	b.Init(nil, "secret")
	require.NoError(t, b.Add(pool.NewEntry(clients.NewClient("10.0.0.1:6379"), 1, 1)))

	c, err := b.NextConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", c.(*transporttest.FakeConn).Password()) //nolint:forcetypeassert
	sub, err := b.NextPubSubConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", sub.(*transporttest.FakePubSubConn).Password()) //nolint:forcetypeassert
}

func TestBalancer_ConnectError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	clients.ConnectErr["10.0.0.1:6379"] = errors.New("connection refused")
	b := newBalancer(t, clients, 1, 1, []string{"10.0.0.1:6379"}, balancer.WithFailFast())

	_, err := b.NextConnection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.0.0.1:6379")
	// the slot was released
	assert.Equal(t, 0, b.Entries()[0].Stats().Connections.InUse)
}

func TestBalancer_DuplicateAddress(t *testing.T) {
	t.Parallel()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 1, 1, []string{"10.0.0.1:6379"})
	err := b.Add(pool.NewEntry(clients.NewClient("10.0.0.1:6379"), 1, 1))
	assert.ErrorIs(t, err, balancer.ErrDuplicateAddress)
	assert.Len(t, b.Entries(), 1)
}

func TestBalancer_SkipsUnhealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 10, 10, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, balancer.WithFailFast())

	b.UpdateHealthState("10.0.0.1:6379", health.StateUnhealthy)
	b.UpdateHealthState("10.0.0.2:6379", health.StateHealthy)
	for i := 0; i < 5; i++ {
		c, err := b.NextConnection(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:6379", c.Address())
	}

	// with nothing healthy left, unhealthy entries are used anyway
	b.UpdateHealthState("10.0.0.2:6379", health.StateUnhealthy)
	addrs := map[string]struct{}{}
	for i := 0; i < 4; i++ {
		c, err := b.NextConnection(ctx)
		require.NoError(t, err)
		addrs[c.Address()] = struct{}{}
	}
	assert.Len(t, addrs, 2)

	// late update for an unknown address is ignored
	b.UpdateHealthState("10.0.0.9:6379", health.StateHealthy)
}

func TestBalancer_Close(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := transporttest.NewFakeClients()
	b := newBalancer(t, clients, 1, 1, []string{"10.0.0.1:6379", "10.0.0.2:6379"})
	require.NoError(t, b.Close(ctx))
	assert.True(t, clients.Client("10.0.0.1:6379").IsShutdown())
	assert.True(t, clients.Client("10.0.0.2:6379").IsShutdown())

	_, err := b.NextConnection(ctx)
	assert.ErrorIs(t, err, balancer.ErrClosed)
	err = b.Add(pool.NewEntry(clients.NewClient("10.0.0.3:6379"), 1, 1))
	assert.ErrorIs(t, err, balancer.ErrClosed)
	require.NoError(t, b.Close(ctx))
}

func newBalancer(t *testing.T, clients *transporttest.FakeClients, connPool, subPool int, addrs []string, opts ...balancer.Option) *balancer.Balancer {
	t.Helper()
	opts = append([]balancer.Option{balancer.WithHealthChecks(noHealthChecks{})}, opts...)
	b := balancer.New(opts...)
	b.Init(nil, "")
	for _, addr := range addrs {
		require.NoError(t, b.Add(pool.NewEntry(clients.NewClient(addr), connPool, subPool)))
	}
	return b
}

// findConns checks out command and subscribe connections until it holds
// one of each from the given address, plus a subscribe connection from some
// other address.
func findConns(ctx context.Context, t *testing.T, b *balancer.Balancer, address string) (
	removedConn *transporttest.FakeConn,
	keptSub, removedSub *transporttest.FakePubSubConn,
) {
	t.Helper()
	for removedConn == nil {
		c, err := b.NextConnection(ctx)
		require.NoError(t, err)
		if c.Address() == address {
			removedConn = c.(*transporttest.FakeConn) //nolint:forcetypeassert
		}
	}
	for keptSub == nil || removedSub == nil {
		c, err := b.NextPubSubConnection(ctx)
		require.NoError(t, err)
		sub := c.(*transporttest.FakePubSubConn) //nolint:forcetypeassert
		if c.Address() == address {
			removedSub = sub
		} else {
			keptSub = sub
		}
	}
	return removedConn, keptSub, removedSub
}

// noHealthChecks leaves every entry in the unknown state, so tests drive
// health updates themselves.
type noHealthChecks struct{}

func (noHealthChecks) New(context.Context, health.Target, health.Tracker) io.Closer {
	return noHealthChecks{}
}

func (noHealthChecks) Close() error {
	return nil
}
