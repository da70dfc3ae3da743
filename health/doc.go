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

// Package health provides pluggable health checking of slave nodes.
//
// The load balancer starts one checking process per slave entry, using a
// [Checker]. The process reports state changes through a [Tracker], and the
// balancer stops offering connections to unhealthy nodes as long as some
// other node is usable.
//
// [NopChecker] considers every node healthy; it is the default. To actively
// probe nodes, use [NewPollingChecker] with [NewPingProber].
package health
