// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-offsync - Offline-First Operation Queue & Conflict Resolution")
	fmt.Println("=================================================================")
	fmt.Println()
	fmt.Println("go-offsync provides a client-resident offline operation queue with")
	fmt.Println("conflict-aware reconciliation: durable pending mutations, priority and")
	fmt.Println("dependency ordered draining, three-way merge conflict resolution, and")
	fmt.Println("operator-facing sync telemetry.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  offsync    Core engine: operation queue, sync engine, conflict")
	fmt.Println("             detector/resolver, resolution templates, telemetry reporter")
	fmt.Println("  offsqlite  SQLite-backed durable store for the queue state")
	fmt.Println("  offpg      Postgres-backed durable store for server-resident queues")
	fmt.Println("  offhttp    HTTP/JSON transport with JWT bearer auth, plus server handlers")
}
