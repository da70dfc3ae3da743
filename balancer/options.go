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

package balancer

import (
	"github.com/bufbuild/kvlb/health"
	"github.com/bufbuild/kvlb/picker"
	"github.com/sirupsen/logrus"
)

// Option configures a balancer created with New.
type Option interface {
	apply(*Balancer)
}

// WithPicker configures the selection policy. A new picker is created every
// time the set of usable entries changes. The default is
// [picker.NewRoundRobin].
func WithPicker(factory picker.Factory) Option {
	return optionFunc(func(b *Balancer) {
		b.pickerFactory = factory
	})
}

// WithFailFast makes NextConnection and NextPubSubConnection return
// ErrPoolExhausted instead of waiting when every entry is exhausted.
func WithFailFast() Option {
	return optionFunc(func(b *Balancer) {
		b.failFast = true
	})
}

// WithHealthChecks configures the checker that decides which entries are
// usable. Entries reported unhealthy are skipped while any other entry is
// usable. By default no checks are made and every entry is usable.
func WithHealthChecks(checker health.Checker) Option {
	return optionFunc(func(b *Balancer) {
		b.checker = checker
	})
}

// WithLogger sets the logger. The default is the standard logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return optionFunc(func(b *Balancer) {
		b.log = log
	})
}

type optionFunc func(*Balancer)

func (o optionFunc) apply(b *Balancer) {
	o(b)
}
