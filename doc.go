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

// Package kvlb manages the connections of a client to a single-master,
// multi-slave key-value store such as Redis.
//
// To create a manager use the [NewManager] function with a [config.Config].
// No connection is opened up front: connections are made on demand and kept
// for reuse once given back.
//
// # Writes
//
// Write connections go to the master. At most master_connection_pool_size of
// them are checked out at a time. When the pool is exhausted,
// [Manager.AcquireWriteConnection] logs a warning and waits until another
// caller releases a connection. The wait cannot be cancelled: it is the
// backpressure that protects the master, and callers wanting bounded latency
// must impose it above this layer.
//
// # Reads
//
// Read connections come from a [balancer.LoadBalancer] that spreads them over
// the slaves, round-robin by default. Each slave has its own pool bound.
//
// # Subscriptions
//
// [Manager.Subscribe] multiplexes channels over subscribe connections. A
// channel is subscribed once no matter how many listeners it has, and up to
// subscriptions_per_connection channels share one connection before another
// is opened. Unsubscribing the last listener of a channel drops it, and a
// connection left with no channel is handed back to its pool.
//
// # Failover
//
// [Manager.ChangeMaster] points the manager at a new master, typically a
// promoted slave. Channels carried by subscribe connections to the promoted
// slave or to the old master are subscribed again on other connections, with
// their listeners in the same order, before the old master is shut down.
package kvlb
