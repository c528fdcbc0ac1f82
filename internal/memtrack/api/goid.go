// Copyright 2025 The memtracker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Goroutine ID extraction.
//
// The goroutine id is the arena index for the per-goroutine fast path.
// It is never used as task identity: task attribution always flows through
// the explicit binding in threadstate.State.
//
// Extraction parses the first line of runtime.Stack output, the portable
// path that works on every architecture and Go version. The capture is
// capped at the 64-byte header, so each dispatch pays one bounded stack
// write and a short integer parse; the parse runs per dispatch, not per
// goroutine.

package api

import (
	"runtime"
	"strconv"
)

// getGoroutineID returns the current goroutine's id, or 0 if the stack
// header cannot be parsed. 0 is treated as "no state available" by the
// dispatcher, which degrades to Passthrough.
func getGoroutineID() int64 {
	// Only the header line is needed: "goroutine 123 [running]:".
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the numeric id from a "goroutine N [state]:" header.
// Returns 0 on any malformed input rather than guessing.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	buf = buf[len(prefix):]

	end := 0
	for end < len(buf) && buf[end] >= '0' && buf[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}

	gid, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return gid
}

// liveGoroutineIDs returns the ids of every goroutine currently running,
// for the arena sweep that reclaims state from goroutines that exited
// without an explicit teardown. Returns nil when a complete dump cannot
// be captured; callers must treat nil as unknown and skip reclamation,
// because a goroutine missing from a truncated dump is not dead.
//
// runtime.Stack(all=true) costs about a millisecond per thousand
// goroutines; the sweep cadence in Runtime amortizes this over many state
// creations.
func liveGoroutineIDs() map[int64]bool {
	return captureLiveGIDs(runtime.Stack, 1<<20, 1<<26)
}

// captureLiveGIDs grows the dump buffer until the stack fits.
// runtime.Stack reports only how many bytes it wrote; filling the buffer
// completely is the truncation signal, so capture retries with double the
// size up to max and gives up with nil past that.
func captureLiveGIDs(stack func([]byte, bool) int, initial, max int) map[int64]bool {
	for size := initial; size <= max; size *= 2 {
		buf := make([]byte, size)
		n := stack(buf, true)
		if n < len(buf) {
			return parseAllGIDs(buf[:n])
		}
	}
	return nil
}

// parseAllGIDs scans a full stack dump and collects every goroutine id.
// Header lines are separated from frame lines by the "goroutine " prefix.
func parseAllGIDs(buf []byte) map[int64]bool {
	live := make(map[int64]bool)

	i := 0
	for i < len(buf) {
		end := i
		for end < len(buf) && buf[end] != '\n' {
			end++
		}
		line := buf[i:end]

		if len(line) >= 10 && string(line[:10]) == "goroutine " {
			if gid := parseGID(line); gid != 0 {
				live[gid] = true
			}
		}
		i = end + 1
	}
	return live
}
