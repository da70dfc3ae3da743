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

package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/health"
	"github.com/bufbuild/kvlb/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingChecker(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	checker := health.NewPollingChecker(health.PollingCheckerConfig{}, health.NewPingProber())
	health.SetPollingClock(checker, testClock)
	tracker := make(fakeHealthTracker, 1)

	// StateUnhealthy (cannot connect)
	target := &fakeTarget{connectErr: errors.New("connection refused")}
	process := checker.New(ctx, target, tracker)
	assert.Equal(t, health.StateUnhealthy, <-tracker)
	require.NoError(t, process.Close())

	// StateUnhealthy (PING fails)
	probeConn := make(fakeProbeConn, 1)
	probeConn <- errors.New("LOADING")
	process = checker.New(ctx, &fakeTarget{conn: probeConn}, tracker)
	assert.Equal(t, health.StateUnhealthy, <-tracker)
	require.NoError(t, process.Close())

	// StateHealthy (PONG)
	probeConn = make(fakeProbeConn, 1)
	probeConn <- nil
	process = checker.New(ctx, &fakeTarget{conn: probeConn}, tracker)
	assert.Equal(t, health.StateHealthy, <-tracker)
	require.NoError(t, process.Close())
}

func TestPollingCheckerThresholds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	interval := 5 * time.Second
	testClock := clocktest.NewFakeClock()

	checker := health.NewPollingChecker(health.PollingCheckerConfig{
		PollingInterval:    interval,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}, health.NewPingProber())
	health.SetPollingClock(checker, testClock)

	probeConn := make(fakeProbeConn)
	tracker := make(fakeHealthTracker)
	process := checker.New(ctx, &fakeTarget{conn: probeConn}, tracker)
	advance := func(result error) {
		t.Helper()
		select {
		case probeConn <- result:
			err := testClock.BlockUntilContext(ctx, 1)
			assert.NoError(t, err)
			testClock.Advance(interval)
		case <-tracker:
			t.Fatal("unexpected health state update")
		}
	}
	expectState := func(expected health.State) {
		t.Helper()
		select {
		case state := <-tracker:
			assert.Equal(t, expected, state)
		case <-ctx.Done():
			t.Fatal("health state not updated as expected within timeout")
		}
	}

	// Require only one passing check to become healthy initially
	advance(nil)
	expectState(health.StateHealthy)

	// Require three failing checks to become unhealthy
	advance(errors.New("timeout"))
	advance(errors.New("timeout"))
	advance(errors.New("timeout"))
	expectState(health.StateUnhealthy)

	// A single pass does not flip the state back
	advance(nil)
	advance(errors.New("timeout"))

	// Require two consecutive checks to become healthy again
	advance(nil)
	advance(nil)
	close(probeConn)
	expectState(health.StateHealthy)

	require.NoError(t, process.Close())
}

func TestNopChecker(t *testing.T) {
	t.Parallel()

	tracker := make(fakeHealthTracker, 1)
	process := health.NopChecker.New(context.Background(), &fakeTarget{}, tracker)
	assert.Equal(t, health.StateHealthy, <-tracker)
	assert.NoError(t, process.Close())
}

type fakeTarget struct {
	conn       fakeProbeConn
	connectErr error
}

func (f *fakeTarget) Address() string {
	return "10.0.0.1:6379"
}

func (f *fakeTarget) Connect(context.Context) (conn.Conn, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

// fakeProbeConn answers each PING with the next error received on the
// channel (nil meaning PONG). A closed channel fails every PING.
type fakeProbeConn chan error

func (f fakeProbeConn) Address() string {
	return "10.0.0.1:6379"
}

func (f fakeProbeConn) Auth(context.Context, string) error {
	return nil
}

func (f fakeProbeConn) Do(ctx context.Context, _ ...any) (any, error) {
	select {
	case err, ok := <-f:
		if !ok {
			return nil, errors.New("fake error")
		}
		if err != nil {
			return nil, err
		}
		return "PONG", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f fakeProbeConn) Close() error {
	return nil
}

func (f fakeProbeConn) IsClosed() bool {
	return false
}

type fakeHealthTracker chan health.State

func (f fakeHealthTracker) UpdateHealthState(_ string, state health.State) {
	f <- state
}
