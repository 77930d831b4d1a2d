package tailbuf

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBuffer(t *testing.T) {
	cases := []struct {
		name       string
		capacity   int
		writes     []string
		expected   string
		expDropped int64
	}{
		{name: "empty", capacity: 4, expected: ""},
		{name: "under capacity", capacity: 8, writes: []string{"abc", "de"}, expected: "abcde"},
		{name: "exactly full", capacity: 4, writes: []string{"ab", "cd"}, expected: "abcd"},
		{name: "wraps", capacity: 4, writes: []string{"abc", "def"}, expected: "cdef", expDropped: 2},
		{name: "single oversized write", capacity: 3, writes: []string{"a", "bcdefg"}, expected: "efg", expDropped: 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := New(c.capacity)
			for _, w := range c.writes {
				n, err := b.Write([]byte(w))
				assert.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, c.expected, b.String())
			assert.Equal(t, c.expDropped, b.Dropped())
		})
	}
}

func TestBufferKeepsSuffix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		writes := rapid.SliceOf(rapid.StringMatching(`[a-z]{0,80}`)).Draw(t, "writes")

		b := New(capacity)
		var all strings.Builder
		for _, w := range writes {
			_, _ = b.Write([]byte(w))
			all.WriteString(w)
		}

		full := all.String()
		expected := full
		if len(full) > capacity {
			expected = full[len(full)-capacity:]
		}
		if b.String() != expected {
			t.Fatalf("expected %q, got %q", expected, b.String())
		}
		if b.Dropped() != int64(len(full)-len(expected)) {
			t.Fatalf("expected %d dropped, got %d", len(full)-len(expected), b.Dropped())
		}
	})
}

func TestBufferConcurrentWrites(t *testing.T) {
	b := New(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = b.Write([]byte("abcd"))
				_ = b.String()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, b.Len())
	assert.Equal(t, "abcdabcdabcdabcd", b.String())
	assert.EqualValues(t, 8*100*4-16, b.Dropped())
}
