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
	"io"
	"time"

	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/internal"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultProbeTimeout    = time.Second
)

// PollingCheckerConfig configures a polling checker.
type PollingCheckerConfig struct {
	// PollingInterval is the time between probes. Defaults to 5 seconds.
	PollingInterval time.Duration
	// Timeout bounds a single probe, including connecting. Defaults to
	// 1 second.
	Timeout time.Duration
	// HealthyThreshold is the number of consecutive successful probes an
	// unhealthy node needs to become healthy again. Defaults to 1.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive failed probes a
	// healthy node needs to become unhealthy. Defaults to 1.
	UnhealthyThreshold int
}

// Prober performs a single-shot health check over a connection.
type Prober interface {
	Probe(ctx context.Context, c conn.Conn) State
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, c conn.Conn) State

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, c conn.Conn) State {
	return f(ctx, c)
}

// NewPingProber creates a prober that sends PING. Any reply is healthy; an
// error is unhealthy.
func NewPingProber() Prober {
	return ProberFunc(func(ctx context.Context, c conn.Conn) State {
		if _, err := c.Do(ctx, "PING"); err != nil {
			return StateUnhealthy
		}
		return StateHealthy
	})
}

// NewPollingChecker creates a checker that probes each node on a fixed
// interval. The first probe result is reported immediately; after that the
// configured thresholds apply.
func NewPollingChecker(config PollingCheckerConfig, prober Prober) Checker {
	if config.PollingInterval <= 0 {
		config.PollingInterval = defaultPollingInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProbeTimeout
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	return &pollingChecker{
		config: config,
		prober: prober,
		clock:  internal.NewRealClock(),
	}
}

type pollingChecker struct {
	config PollingCheckerConfig
	prober Prober
	clock  internal.Clock
}

type pollingCheckerTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (p *pollingChecker) New(ctx context.Context, target Target, tracker Tracker) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingCheckerTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go func() {
		defer close(task.doneSignal)
		defer cancel()

		ticker := p.clock.NewTicker(p.config.PollingInterval)
		defer ticker.Stop()

		var probeConn conn.Conn
		defer func() {
			if probeConn != nil {
				_ = probeConn.Close()
			}
		}()
		state := StateUnknown
		streak := 0
		for {
			result := p.probe(ctx, target, &probeConn)
			if ctx.Err() != nil {
				return
			}
			var changed bool
			state, streak, changed = p.next(state, streak, result)
			if changed {
				tracker.UpdateHealthState(target.Address(), state)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
	return task
}

// probe runs one check, (re)connecting first if needed. A connection that
// fails a probe is discarded.
func (p *pollingChecker) probe(ctx context.Context, target Target, probeConn *conn.Conn) State {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	if *probeConn == nil || (*probeConn).IsClosed() {
		c, err := target.Connect(ctx)
		if err != nil {
			return StateUnhealthy
		}
		*probeConn = c
	}
	result := p.prober.Probe(ctx, *probeConn)
	if result == StateUnhealthy {
		_ = (*probeConn).Close()
		*probeConn = nil
	}
	return result
}

// next applies the thresholds. streak counts consecutive results that
// disagree with the current state.
func (p *pollingChecker) next(state State, streak int, result State) (State, int, bool) {
	switch {
	case result == StateUnknown:
		return state, streak, false
	case state == StateUnknown:
		return result, 0, true
	case result == state:
		return state, 0, false
	}
	streak++
	threshold := p.config.UnhealthyThreshold
	if result == StateHealthy {
		threshold = p.config.HealthyThreshold
	}
	if streak >= threshold {
		return result, 0, true
	}
	return state, streak, false
}

func (t *pollingCheckerTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}
