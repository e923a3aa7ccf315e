// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the relay and correlation engine that links chat
// channels through an MQTT topic.
//
// Messages posted in a linked channel pass the [Gate] and are published to
// the bus. Messages arriving from the bus are fanned out by the [Dispatcher]
// to every linked channel except the one they came from, and each replica is
// recorded in the [CorrelationCache] under the id of the original message.
// The [Propagator] later replays edits and deletions of the original to every
// recorded replica.
//
// # Concurrency
//
// Platform adapters and the bus subscription push into bounded [Queue]s that
// drop the oldest element when full. The [Engine] drains each queue with a
// single goroutine, so dispatch starts happen in delivery order. Fan-out and
// mutation calls run on their own goroutines and are not awaited at
// shutdown; at most one in-flight fan-out batch can be missing from a
// snapshot.
//
// [CorrelationCache] and [BanList] each hold their own lock for a single map
// operation at a time. Neither is ever locked while the other is held, and no
// network call happens under either lock.
package relay
