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
	"github.com/bufbuild/kvlb/balancer"
	"github.com/bufbuild/kvlb/config"
	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/health"
	"github.com/bufbuild/kvlb/internal"
	"github.com/bufbuild/kvlb/picker"
	"github.com/bufbuild/kvlb/redistransport"
	log "github.com/sirupsen/logrus"
)

// ManagerOption is an option used to customize a Manager.
type ManagerOption interface {
	apply(*managerOptions)
}

// WithLogger configures the logger. If not specified, the standard logrus
// logger is used with a "component" field of "kvlb".
func WithLogger(logger *log.Entry) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.log = logger
	})
}

// WithClientFactory configures how clients for master and slave nodes are
// created. If not specified, a [redistransport.NewClientFactory] whose
// go-redis pools are sized to the configured connection pools is used.
func WithClientFactory(factory conn.ClientFactory) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.newClient = factory
	})
}

// WithCodec configures the codec handed to every connection. If not
// specified, no codec is used and command arguments are sent as given.
func WithCodec(codec conn.Codec) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.codec = codec
	})
}

// WithPicker overrides the load_balancer setting of the config.
func WithPicker(factory picker.Factory) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.picker = factory
	})
}

// WithHealthChecks overrides the health_check setting of the config.
func WithHealthChecks(checker health.Checker) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.checker = checker
	})
}

// WithBalancer replaces the default load balancer. The manager still adds
// the configured slaves to it and closes it.
//
// A custom balancer owns slave selection entirely: WithPicker,
// WithHealthChecks and the load_balancer, slave_fail_fast and health_check
// settings of the config are ignored when it is given.
func WithBalancer(lb balancer.LoadBalancer) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.balancer = lb
	})
}

type managerOptionFunc func(*managerOptions)

func (f managerOptionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	log       *log.Entry
	newClient conn.ClientFactory
	codec     conn.Codec
	picker    picker.Factory
	checker   health.Checker
	balancer  balancer.LoadBalancer
	clock     internal.Clock
}

func (opts *managerOptions) applyDefaults(cfg config.Config) {
	if opts.log == nil {
		opts.log = log.WithField("component", "kvlb")
	}
	if opts.newClient == nil {
		opts.newClient = redistransport.NewClientFactory(redistransport.Options{
			PoolSize: commandPoolSize(cfg),
		})
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.balancer != nil {
		return
	}
	if opts.picker == nil {
		opts.picker = pickerFor(cfg.LoadBalancer)
	}
	if opts.checker == nil {
		opts.checker = checkerFor(cfg.HealthCheck)
	}
	lbOpts := []balancer.Option{
		balancer.WithPicker(opts.picker),
		balancer.WithHealthChecks(opts.checker),
		balancer.WithLogger(opts.log),
	}
	if cfg.SlaveFailFast {
		lbOpts = append(lbOpts, balancer.WithFailFast())
	}
	opts.balancer = balancer.New(lbOpts...)
}

// commandPoolSize is the number of command connections one node may have
// open: the larger of the master and slave pools, since a slave can be
// promoted, plus the health probe connection.
func commandPoolSize(cfg config.Config) int {
	return max(cfg.MasterConnectionPoolSize, cfg.SlaveConnectionPoolSize) + 1
}

func pickerFor(name string) picker.Factory {
	switch name {
	case config.Random:
		return picker.NewRandom
	case config.LeastLoaded:
		return picker.NewLeastLoadedRoundRobin
	case config.PowerOfTwo:
		return picker.NewPowerOfTwo
	default:
		return picker.NewRoundRobin
	}
}

func checkerFor(cfg config.HealthCheckConfig) health.Checker {
	if cfg.Interval <= 0 {
		return health.NopChecker
	}
	return health.NewPollingChecker(health.PollingCheckerConfig{
		PollingInterval:    cfg.Interval,
		Timeout:            cfg.Timeout,
		HealthyThreshold:   cfg.HealthyThreshold,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	}, health.NewPingProber())
}
