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

package health

import (
	"context"
	"fmt"
	"io"

	"github.com/bufbuild/kvlb/conn"
)

//nolint:gochecknoglobals
var (
	// NopChecker is a checker implementation that does nothing. It assumes
	// every node is healthy.
	NopChecker Checker = nopChecker{}
)

// State represents the health of a node. Better states sort before worse
// ones, so StateHealthy is the lowest value and StateUnhealthy the highest.
type State int

const (
	StateHealthy   = State(-1)
	StateUnknown   = State(0)
	StateUnhealthy = State(1)
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Target is the node being checked.
type Target interface {
	// Address is the "host:port" of the node.
	Address() string
	// Connect opens a dedicated, authenticated connection for probing.
	// It does not count against the node's pool size.
	Connect(ctx context.Context) (conn.Conn, error)
}

// Checker creates health-checking processes as slave entries are added.
type Checker interface {
	// New starts a health-checking process for the given target. The process
	// should release resources (including stopping any goroutines) when the
	// given context is cancelled or the returned value is closed.
	//
	// The process reports results to the Tracker. It must not call the
	// Tracker from this method; immediate updates must come from a goroutine.
	New(ctx context.Context, target Target, tracker Tracker) io.Closer
}

// Tracker receives health state changes, keyed by node address.
type Tracker interface {
	UpdateHealthState(address string, state State)
}

type nopChecker struct{}

func (nopChecker) New(_ context.Context, target Target, tracker Tracker) io.Closer {
	go tracker.UpdateHealthState(target.Address(), StateHealthy)
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
