// Copyright 2025 The memtracker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package classify decides whether an allocation site with no explicit
// scope override belongs to tracker infrastructure or to instrumented task
// code.
//
// This is strictly the fallback tier. First-party infrastructure code
// marks itself with explicit scope guards, which cost nothing to honor;
// the classifier exists to catch third-party code invoked from tracker
// internals, where no guard could have been planted. It inspects a
// best-effort call-stack snapshot and matches frame symbols against
// configured internal-namespace patterns (substring, case-sensitive).
//
// Symbol matching is inherently fragile (inlining, generic instantiation
// suffixes, partial matches), so the classifier is deliberately biased:
// when the stack cannot be obtained or nothing matches, it answers
// TaskTracked optimistically and counts the fallback. It never answers in
// a way that could recurse into itself, and the dispatcher caches its
// answers per goroutine so the snapshot cost is amortized.
package classify

import (
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/kolkov/memtracker/internal/memtrack/kind"
)

// MaxFrames is the number of stack frames inspected per classification.
// Tracker-internal callers sit within the first few frames; 32 leaves
// generous room for wrappers and deferred calls without making the
// snapshot unbounded.
const MaxFrames = 32

// DefaultPatterns mark the tracker's own namespaces. Any frame whose
// function symbol contains one of these is infrastructure and classifies
// as Passthrough.
var DefaultPatterns = []string{
	"kolkov/memtracker/internal/memtrack",
	"kolkov/memtracker/memtrack.",
}

// machineryFrames name the namespaces the dispatch path itself runs
// through before the classifier fires: the public wrappers, the api
// dispatcher, and the failsafe/classify plumbing between them. These
// frames sit at the bottom of every snapshot regardless of where the
// allocation originated, so they say nothing about the call site;
// classification starts above the deepest contiguous run of them.
var machineryFrames = []string{
	"kolkov/memtracker/internal/memtrack/api",
	"kolkov/memtracker/internal/memtrack/classify",
	"kolkov/memtracker/internal/memtrack/failsafe",
	"kolkov/memtracker/memtrack.",
}

// isMachinery reports whether symbol belongs to the dispatch path.
func isMachinery(symbol string) bool {
	for _, p := range machineryFrames {
		if strings.Contains(symbol, p) {
			return true
		}
	}
	return false
}

// Classifier matches call-stack snapshots against internal-namespace
// patterns.
//
// A Classifier is immutable after construction and safe for concurrent
// use from any goroutine.
type Classifier struct {
	patterns []string

	// fallbacks counts classifications that answered TaskTracked because
	// no stack was available. Reported via diagnostics; a high rate means
	// the explicit guard coverage has a hole.
	fallbacks atomic.Uint64
}

// New builds a classifier from the default patterns plus any extras
// supplied by the caller (for instrumentation layers stacked on top of
// this one).
func New(extra ...string) *Classifier {
	patterns := make([]string, 0, len(DefaultPatterns)+len(extra))
	patterns = append(patterns, DefaultPatterns...)
	for _, p := range extra {
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Classifier{patterns: patterns}
}

// Classify inspects the caller's stack and returns the allocator kind for
// the current call site.
//
// Flow:
//  1. Capture up to MaxFrames program counters.
//  2. No snapshot available: count a fallback, answer TaskTracked.
//  3. Advance past the dispatch machinery at the bottom of the snapshot.
//     Every classification arrives through those frames, so matching on
//     them would answer Passthrough unconditionally and never reach the
//     real call site.
//  4. Resolve the frames above; any symbol containing an internal pattern
//     means the allocation originates inside tracker code: Passthrough.
//  5. Nothing matched: the site is task code, TaskTracked.
//
// Performance: ~1-2µs per call (runtime.CallersFrames symbol resolution
// dominates). The dispatcher caches the result per goroutine, so this
// runs once per context change, not once per allocation.
func (c *Classifier) Classify() kind.Kind {
	var pcs [MaxFrames]uintptr

	// Skip runtime.Callers and Classify itself.
	n := runtime.Callers(2, pcs[:])
	if n == 0 {
		c.fallbacks.Add(1)
		return kind.TaskTracked
	}

	frames := runtime.CallersFrames(pcs[:n])
	skipping := true
	machinery := false
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			if skipping && isMachinery(frame.Function) {
				machinery = true
			} else {
				skipping = false
				if c.matches(frame.Function) {
					return kind.Passthrough
				}
			}
		}
		if !more {
			break
		}
	}
	if skipping {
		if machinery {
			// The visible stack is dispatch machinery top to bottom;
			// the allocation came from inside the tracker itself.
			return kind.Passthrough
		}
		// Not one frame resolved to a symbol. Same optimistic default as
		// an empty snapshot.
		c.fallbacks.Add(1)
	}
	return kind.TaskTracked
}

// matches reports whether symbol names tracker-internal code.
// Substring and case-sensitive: symbol tables are stable in case, and
// substring survives the package-path prefixes the runtime prepends.
func (c *Classifier) matches(symbol string) bool {
	for _, p := range c.patterns {
		if strings.Contains(symbol, p) {
			return true
		}
	}
	return false
}

// Fallbacks returns the number of classifications that defaulted to
// TaskTracked because no stack snapshot was available.
func (c *Classifier) Fallbacks() uint64 {
	return c.fallbacks.Load()
}

// Patterns returns a copy of the configured pattern set, for diagnostics.
func (c *Classifier) Patterns() []string {
	out := make([]string, len(c.patterns))
	copy(out, c.patterns)
	return out
}
