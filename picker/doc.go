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

// Package picker provides the selection policies used by the load balancer
// to choose a slave node for a new read or subscribe connection.
//
// This package defines the core interface, [Picker], which selects a single
// [pool.Entry] from the entries that the balancer currently considers
// usable. The balancer creates a new picker, through a [Factory], every time
// that set changes, passing along the previous picker so that
// implementations can carry state (like a round-robin cursor) across
// topology changes.
//
// The implementations in this package are the functions whose names start
// with "New": round-robin (the default), random, least-loaded and
// power-of-two. Load-aware policies use [pool.Entry.Load], the number of
// command and subscribe slots currently held on the node.
package picker
