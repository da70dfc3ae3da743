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
	"net"
	"strconv"

	"github.com/bufbuild/kvlb/conn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ChangeMaster makes the node at host:port the master. Write connections
// acquired afterwards go to the new master. If the node was a slave it is
// removed from the load balancer. Every channel carried by a subscribe
// connection to that node, or to the old master, is subscribed again
// elsewhere with the same listeners in the same order. The old master's
// client is shut down last.
//
// Commands in flight on the old master are not retried; they fail or
// succeed against the old node.
func (m *Manager) ChangeMaster(ctx context.Context, host string, port int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.failoverMu.Lock()
	defer m.failoverMu.Unlock()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	newMaster, err := m.newMasterEntry(address)
	if err != nil {
		return err
	}
	oldMaster := m.master.Swap(newMaster)
	for _, c := range oldMaster.DrainConnections() {
		_ = c.Close()
	}

	discarded := m.balancer.Remove(ctx, address)
	discarded = append(discarded, oldMaster.ActivePubSub()...)
	migrated, migrateErr := m.migrate(ctx, discarded)

	for _, c := range discarded {
		c := c
		m.workers.Go(func() error {
			_ = c.Close()
			return nil
		})
	}
	if err := oldMaster.Shutdown(ctx); err != nil {
		m.log.WithFields(log.Fields{
			"address": oldMaster.Address(),
			"err":     err,
		}).Warn("failed to shut down old master")
	}
	failoversTotal.Inc()
	m.log.WithFields(log.Fields{
		"from":     oldMaster.Address(),
		"to":       address,
		"migrated": migrated,
	}).Info("master changed")
	return migrateErr
}

// migrate moves every channel carried by one of the given connections to a
// new entry. It returns the number of channels moved.
func (m *Manager) migrate(ctx context.Context, discarded []conn.PubSubConn) (int, error) {
	retired := make(map[conn.PubSubConn]struct{}, len(discarded))
	for _, c := range discarded {
		retired[c] = struct{}{}
	}
	var affected []*PubSubEntry
	for _, entry := range m.pubSubEntries() {
		if _, ok := retired[entry.conn]; ok {
			affected = append(affected, entry)
		}
	}
	// Close them all first so none is picked to carry a migrated channel.
	for _, entry := range affected {
		if entry.close() {
			pubSubConnections.Dec()
		}
	}
	var migrated int
	var errs []error
	for _, entry := range affected {
		n, err := m.migrateEntry(ctx, entry)
		migrated += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return migrated, errors.WithMessagef(errs[0], "failed to migrate channels of %d subscribe connection(s)", len(errs))
	}
	return migrated, nil
}

// migrateEntry closes entry and subscribes each of its channels that has
// listeners again, on whatever entry subscribe picks. Holding the entry's
// lock throughout keeps concurrent unsubscribes and listener changes out
// until the listeners have moved.
func (m *Manager) migrateEntry(ctx context.Context, entry *PubSubEntry) (int, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.close() {
		pubSubConnections.Dec()
	}
	var migrated int
	var firstErr error
	for _, channel := range entry.channelsLocked() {
		listeners := entry.channels[channel]
		delete(entry.channels, channel)
		if m.registry.CompareAndDelete(channel, entry) {
			subscribedChannels.Dec()
		}
		if len(listeners) == 0 {
			continue
		}
		logger := m.log.WithFields(log.Fields{
			"channel":   channel,
			"listeners": len(listeners),
			"from":      entry.id,
		})
		target, err := m.subscribe(ctx, channel, listeners)
		if err != nil {
			migratedChannelsTotal.WithLabelValues(outcomeFailed).Inc()
			logger.WithField("err", err).Error("failed to migrate channel")
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "migrating %s", channel)
			}
			continue
		}
		migratedChannelsTotal.WithLabelValues(outcomeOK).Inc()
		logger.WithField("to", target.id).Info("migrated channel")
		migrated++
	}
	return migrated, firstErr
}
