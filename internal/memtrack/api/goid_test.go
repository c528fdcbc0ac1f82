package api

import (
	"sync"
	"testing"
)

// TestGetGoroutineID checks ids are positive, stable within a goroutine,
// and distinct across goroutines.
func TestGetGoroutineID(t *testing.T) {
	gid := getGoroutineID()
	if gid <= 0 {
		t.Fatalf("getGoroutineID() = %d, want positive", gid)
	}
	if again := getGoroutineID(); again != gid {
		t.Fatalf("gid changed within goroutine: %d then %d", gid, again)
	}

	var wg sync.WaitGroup
	other := make(chan int64, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		other <- getGoroutineID()
	}()
	wg.Wait()

	if o := <-other; o == gid || o <= 0 {
		t.Fatalf("other goroutine gid = %d, want positive and distinct from %d", o, gid)
	}
}

// TestParseGID tests header parsing against the runtime.Stack format.
func TestParseGID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{
			name: "typical header",
			in:   "goroutine 123 [running]:\nmain.main()",
			want: 123,
		},
		{
			name: "single digit",
			in:   "goroutine 1 [chan receive]:",
			want: 1,
		},
		{
			name: "large id",
			in:   "goroutine 9876543210 [select]:",
			want: 9876543210,
		},
		{
			name: "missing prefix",
			in:   "gortn 5 [running]:",
			want: 0,
		},
		{
			name: "no digits",
			in:   "goroutine  [running]:",
			want: 0,
		},
		{
			name: "empty",
			in:   "",
			want: 0,
		},
		{
			name: "truncated before id",
			in:   "goroutine ",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseGID([]byte(tt.in)); got != tt.want {
				t.Errorf("parseGID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// TestParseAllGIDs tests extraction from a multi-goroutine dump.
func TestParseAllGIDs(t *testing.T) {
	dump := "goroutine 1 [running]:\n" +
		"main.main()\n" +
		"\t/src/main.go:10 +0x20\n" +
		"\n" +
		"goroutine 17 [chan receive]:\n" +
		"main.worker()\n" +
		"\t/src/main.go:20 +0x40\n" +
		"\n" +
		"goroutine 42 [sleep]:\n" +
		"time.Sleep(0x3b9aca00)\n"

	live := parseAllGIDs([]byte(dump))
	for _, want := range []int64{1, 17, 42} {
		if !live[want] {
			t.Errorf("goroutine %d missing from parsed set %v", want, live)
		}
	}
	if len(live) != 3 {
		t.Errorf("parsed %d ids, want 3", len(live))
	}
}

// TestLiveGoroutineIDsIncludesSelf checks the sweep input always contains
// the caller.
func TestLiveGoroutineIDsIncludesSelf(t *testing.T) {
	self := getGoroutineID()
	live := liveGoroutineIDs()
	if !live[self] {
		t.Fatalf("live set %v does not include current goroutine %d", live, self)
	}
}

// TestCaptureLiveGIDsGrowsOnTruncation feeds a stack capture that
// truncates below 4 KiB: the buffer must be regrown until the dump fits,
// and the ids from the complete dump returned.
func TestCaptureLiveGIDsGrowsOnTruncation(t *testing.T) {
	dump := []byte("goroutine 1 [running]:\nmain.main()\n\ngoroutine 7 [sleep]:\nmain.worker()\n")

	calls := 0
	stack := func(buf []byte, all bool) int {
		calls++
		if !all {
			t.Fatal("capture must request the all-goroutines dump")
		}
		if len(buf) < 4096 {
			// Truncation: the runtime fills the buffer completely.
			return len(buf)
		}
		return copy(buf, dump)
	}

	live := captureLiveGIDs(stack, 1024, 1<<20)
	if live == nil {
		t.Fatal("capture gave up despite the dump fitting at 4 KiB")
	}
	if !live[1] || !live[7] || len(live) != 2 {
		t.Fatalf("parsed set %v, want {1, 7}", live)
	}
	if calls < 3 {
		t.Fatalf("capture called stack %d times, want at least 3 (two truncated attempts)", calls)
	}
}

// TestCaptureLiveGIDsGivesUp returns nil, not a partial set, when every
// attempt up to the size cap truncates. A partial set here would get live
// goroutines swept.
func TestCaptureLiveGIDsGivesUp(t *testing.T) {
	stack := func(buf []byte, all bool) int {
		return len(buf)
	}
	if live := captureLiveGIDs(stack, 1024, 1<<16); live != nil {
		t.Fatalf("captureLiveGIDs = %v, want nil on persistent truncation", live)
	}
}
