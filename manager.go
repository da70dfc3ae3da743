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

package kvlb

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/kvlb/balancer"
	"github.com/bufbuild/kvlb/config"
	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/internal"
	"github.com/bufbuild/kvlb/pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by every operation of a Manager after Close.
var ErrClosed = errors.New("kvlb: manager is closed")

// Manager hands out connections to a master/slave cluster. Writes go to
// the master, reads and subscriptions are spread over the slaves by a
// load balancer, and channel subscriptions are multiplexed over a bounded
// number of subscribe connections.
//
// When no slave is configured, subscribe connections are opened to the
// master instead. That pool is bounded by
// SlaveSubscriptionConnectionPoolSize, the same as a single slave's, and
// its channels are moved along with the rest on ChangeMaster.
type Manager struct {
	cfg       config.Config
	codec     conn.Codec
	log       *log.Entry
	clock     internal.Clock
	newClient conn.ClientFactory
	balancer  balancer.LoadBalancer

	// masterPermits bounds write connections. It is not part of the master
	// entry, so that permits held across a failover stay accounted for.
	masterPermits *pool.Limiter
	master        atomic.Pointer[pool.Entry]
	// writeOut maps each checked out write connection to its master entry.
	writeOut sync.Map

	// registry maps each subscribed channel to its *PubSubEntry.
	registry sync.Map

	failoverMu sync.Mutex
	workers    *errgroup.Group
	closed     atomic.Bool
}

// NewManager creates a manager for the cluster described by cfg. No
// connection is opened until one is requested.
func NewManager(cfg config.Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var options managerOptions
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults(cfg)

	workers := &errgroup.Group{}
	if cfg.Threads > 0 {
		workers.SetLimit(cfg.Threads)
	}
	m := &Manager{
		cfg:           cfg,
		codec:         options.codec,
		log:           options.log,
		clock:         options.clock,
		newClient:     options.newClient,
		balancer:      options.balancer,
		masterPermits: pool.NewLimiter(cfg.MasterConnectionPoolSize),
		workers:       workers,
	}
	master, err := m.newMasterEntry(cfg.MasterAddress)
	if err != nil {
		return nil, err
	}
	m.master.Store(master)

	m.balancer.Init(m.codec, cfg.Password)
	for _, address := range cfg.SlaveAddresses {
		client, err := m.newClient(address)
		if err == nil {
			err = m.balancer.Add(pool.NewEntry(client, cfg.SlaveConnectionPoolSize, cfg.SlaveSubscriptionConnectionPoolSize))
			if err != nil {
				_ = client.Shutdown(context.Background())
			}
		}
		if err != nil {
			_ = m.Close(context.Background())
			return nil, errors.WithMessagef(err, "adding slave %s", address)
		}
	}
	m.log.WithFields(log.Fields{
		"master": cfg.MasterAddress,
		"slaves": cfg.SlaveAddresses,
	}).Info("connection manager started")
	return m, nil
}

// newMasterEntry sizes the master's subscribe pool like a slave's, for the
// fallback used when there are no slaves.
func (m *Manager) newMasterEntry(address string) (*pool.Entry, error) {
	client, err := m.newClient(address)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating client for master %s", address)
	}
	return pool.NewEntry(client, m.cfg.MasterConnectionPoolSize, m.cfg.SlaveSubscriptionConnectionPoolSize), nil
}

// Master returns the address of the current master.
func (m *Manager) Master() string {
	return m.master.Load().Address()
}

// AcquireWriteConnection returns a command connection to the master. At
// most master_connection_pool_size connections are checked out at once;
// when none is left this waits, without regard to ctx, until one is
// released. ctx bounds only dialing and authentication. Every connection
// returned must be given back with ReleaseWriteConnection.
func (m *Manager) AcquireWriteConnection(ctx context.Context) (conn.Conn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.acquireMasterPermit()
	master := m.master.Load()
	c, ok := master.PollConnection()
	if !ok {
		var err error
		c, err = master.Connect(ctx, m.codec, m.cfg.Password)
		if err != nil {
			m.releaseMasterPermit()
			return nil, err
		}
	}
	m.writeOut.Store(c, master)
	return c, nil
}

func (m *Manager) acquireMasterPermit() {
	if m.masterPermits.TryAcquire() {
		masterConnectionsInUse.Inc()
		return
	}
	start := m.clock.Now()
	masterPoolExhaustedTotal.Inc()
	logger := m.log.WithFields(log.Fields{
		"master":    m.Master(),
		"pool_size": m.masterPermits.Size(),
	})
	logger.Warn("master connection pool exhausted, waiting for a connection")
	// Once in line the wait is not abandoned.
	_ = m.masterPermits.Acquire(context.Background())
	waited := m.clock.Since(start)
	masterConnectionsInUse.Inc()
	masterPoolWaitSeconds.Observe(waited.Seconds())
	logger.WithField("waited", waited).Warn("master connection acquired")
}

func (m *Manager) releaseMasterPermit() {
	masterConnectionsInUse.Dec()
	m.masterPermits.Release()
}

// ReleaseWriteConnection gives back a connection from
// AcquireWriteConnection and frees its permit. The connection is kept for
// reuse unless it is closed or its master has been replaced.
func (m *Manager) ReleaseWriteConnection(c conn.Conn) {
	owner, ok := m.writeOut.LoadAndDelete(c)
	if !ok {
		m.log.WithField("address", c.Address()).Warn("released unknown write connection")
		_ = c.Close()
		return
	}
	owner.(*pool.Entry).OfferConnection(c) //nolint:forcetypeassert
	m.releaseMasterPermit()
}

// AcquireReadConnection returns a command connection to a slave chosen by
// the load balancer. It must be given back with ReleaseReadConnection.
func (m *Manager) AcquireReadConnection(ctx context.Context) (conn.Conn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.balancer.NextConnection(ctx)
}

// ReleaseReadConnection gives back a connection from AcquireReadConnection.
func (m *Manager) ReleaseReadConnection(c conn.Conn) {
	m.balancer.ReturnConnection(c)
}

// WithWriteConnection calls fn with a master connection, releasing it when
// fn returns or panics.
func (m *Manager) WithWriteConnection(ctx context.Context, fn func(conn.Conn) error) error {
	c, err := m.AcquireWriteConnection(ctx)
	if err != nil {
		return err
	}
	defer m.ReleaseWriteConnection(c)
	return fn(c)
}

// WithReadConnection calls fn with a slave connection, releasing it when
// fn returns or panics.
func (m *Manager) WithReadConnection(ctx context.Context, fn func(conn.Conn) error) error {
	c, err := m.AcquireReadConnection(ctx)
	if err != nil {
		return err
	}
	defer m.ReleaseReadConnection(c)
	return fn(c)
}

// Close shuts down the master client, every slave client and the
// background workers, and waits for them to finish. Subscriptions are
// dropped.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.registry.Range(func(key, value any) bool {
		entry := value.(*PubSubEntry) //nolint:forcetypeassert
		if m.registry.CompareAndDelete(key, entry) {
			subscribedChannels.Dec()
		}
		if entry.close() {
			pubSubConnections.Dec()
			_ = entry.conn.Close()
		}
		return true
	})
	m.workers.Go(func() error {
		return m.balancer.Close(ctx)
	})
	m.workers.Go(func() error {
		return m.master.Load().Shutdown(ctx)
	})
	err := m.workers.Wait()
	m.log.Info("connection manager closed")
	return err
}

// Stats describes the pools of a Manager.
type Stats struct {
	Master pool.Stats
	// MasterInUse is the number of write connections checked out.
	MasterInUse int
	Slaves      []pool.Stats
	// PubSubEntries is the number of subscribe connections carrying
	// channels.
	PubSubEntries int
	Channels      int
}

// Stats returns a snapshot of the manager's pools.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Master:      m.master.Load().Stats(),
		MasterInUse: m.masterPermits.InUse(),
	}
	for _, entry := range m.balancer.Entries() {
		stats.Slaves = append(stats.Slaves, entry.Stats())
	}
	stats.PubSubEntries = len(m.pubSubEntries())
	m.registry.Range(func(any, any) bool {
		stats.Channels++
		return true
	})
	return stats
}
