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

// Package config defines the settings of a kvlb connection manager and
// loads them with viper.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Names accepted by Config.LoadBalancer.
const (
	RoundRobin   = "round_robin"
	Random       = "random"
	LeastLoaded  = "least_loaded"
	PowerOfTwo   = "power_of_two"
	envPrefix    = "KVLB"
	configFormat = "yaml"
)

// HealthCheckConfig defines how slaves are probed
type HealthCheckConfig struct {
	// Interval is the time between probes. Zero disables health checks.
	Interval time.Duration `mapstructure:"interval" json:"interval" validate:"gte=0"`
	// Timeout bounds a single probe
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" validate:"gte=0"`
	// HealthyThreshold is the number of passing probes needed to mark an
	// unhealthy slave healthy again
	HealthyThreshold int `mapstructure:"healthy_threshold" json:"healthy_threshold" validate:"gte=0"`
	// UnhealthyThreshold is the number of failing probes needed to mark a
	// healthy slave unhealthy
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold" json:"unhealthy_threshold" validate:"gte=0"`
}

// Config defines a single-master / multi-slave deployment
type Config struct {
	// MasterAddress is the "host:port" of the master
	MasterAddress string `mapstructure:"master_address" json:"master_address" validate:"required,hostname_port"`
	// SlaveAddresses are the "host:port" of each slave, in order
	SlaveAddresses []string `mapstructure:"slave_addresses" json:"slave_addresses" validate:"unique,dive,hostname_port"`
	// MasterConnectionPoolSize bounds concurrent command connections to
	// the master
	MasterConnectionPoolSize int `mapstructure:"master_connection_pool_size" json:"master_connection_pool_size" validate:"gte=1"`
	// SlaveConnectionPoolSize bounds concurrent command connections to
	// each slave
	SlaveConnectionPoolSize int `mapstructure:"slave_connection_pool_size" json:"slave_connection_pool_size" validate:"gte=1"`
	// SlaveSubscriptionConnectionPoolSize bounds subscribe connections to
	// each slave, and to the master when there are no slaves
	SlaveSubscriptionConnectionPoolSize int `mapstructure:"slave_subscription_connection_pool_size" json:"slave_subscription_connection_pool_size" validate:"gte=1"`
	// SubscriptionsPerConnection is the number of channels multiplexed on
	// one subscribe connection
	SubscriptionsPerConnection int `mapstructure:"subscriptions_per_connection" json:"subscriptions_per_connection" validate:"gte=1"`
	// Password, if set, authenticates every connection
	Password string `mapstructure:"password" json:"-"`
	// Threads bounds the background workers. Zero means unbounded.
	Threads int `mapstructure:"threads" json:"threads" validate:"gte=0"`
	// LoadBalancer is the slave selection policy
	LoadBalancer string `mapstructure:"load_balancer" json:"load_balancer" validate:"oneof=round_robin random least_loaded power_of_two"`
	// SlaveFailFast makes slave acquisition fail instead of wait when
	// every slave pool is exhausted
	SlaveFailFast bool `mapstructure:"slave_fail_fast" json:"slave_fail_fast"`
	// HealthCheck defines slave health checking
	HealthCheck HealthCheckConfig `mapstructure:"health_check" json:"health_check"`
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	return nil
}

// Default returns the default config with only the master address set.
func Default(masterAddress string) Config {
	v := viper.New()
	InstallDefaultConfigValues(v)
	v.Set("master_address", masterAddress)
	var cfg Config
	// Unmarshalling the installed defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues(v *viper.Viper) {
	v.SetDefault("master_address", "127.0.0.1:6379")
	v.SetDefault("slave_addresses", []string{})
	v.SetDefault("master_connection_pool_size", 100)
	v.SetDefault("slave_connection_pool_size", 100)
	v.SetDefault("slave_subscription_connection_pool_size", 25)
	v.SetDefault("subscriptions_per_connection", 5)
	v.SetDefault("password", "")
	v.SetDefault("threads", 0)
	v.SetDefault("load_balancer", RoundRobin)
	v.SetDefault("slave_fail_fast", false)

	// Health checks are off unless an interval is given
	v.SetDefault("health_check.interval", time.Duration(0))
	v.SetDefault("health_check.timeout", time.Second)
	v.SetDefault("health_check.healthy_threshold", 1)
	v.SetDefault("health_check.unhealthy_threshold", 1)
}

// Load reads the config file at path, if not empty, applies KVLB_*
// environment overrides on top of the defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	InstallDefaultConfigValues(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.WithMessagef(err, "reading config file %s", path)
		}
	}
	return decode(v)
}

// Parse is like Load but reads YAML content instead of a file.
func Parse(content string) (Config, error) {
	v := viper.New()
	InstallDefaultConfigValues(v)
	v.SetConfigType(configFormat)
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return Config{}, errors.WithMessage(err, "parsing config")
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.WithMessage(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
