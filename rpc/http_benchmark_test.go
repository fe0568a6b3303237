package rpc

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func BenchmarkServerAllowSource(b *testing.B) {
	server := NewServer(nil, ServerConfig{AuthToken: "bench", RateLimit: rate.Inf, RateBurst: 1})
	start := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		source := fmt.Sprintf("198.51.100.%d", i)
		// Advance the logical clock so earlier sources age past the TTL and
		// the eviction path stays exercised.
		now := start.Add(time.Duration(i) * (sourceTTL + time.Second))
		if !server.allowSource(source, now) {
			b.Fatalf("unexpected throttle for %s", source)
		}
	}
}

func BenchmarkServerAllowSourceParallel(b *testing.B) {
	server := NewServer(nil, ServerConfig{AuthToken: "bench", RateLimit: rate.Inf, RateBurst: 1})
	var counter uint64
	start := time.Now()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := atomic.AddUint64(&counter, 1)
			source := fmt.Sprintf("198.51.100.%d", id)
			now := start.Add(time.Duration(id) * (sourceTTL + time.Second))
			if !server.allowSource(source, now) {
				b.Fatalf("unexpected throttle for %s", source)
			}
		}
	})
}
