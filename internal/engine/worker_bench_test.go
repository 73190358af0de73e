package engine

import (
	"context"
	"sync/atomic"
	"testing"
)

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(8)
	defer pool.Shutdown()
	ctx := context.Background()

	var counter atomic.Int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(ctx, func(context.Context) error {
			counter.Add(1)
			return nil
		})
	}
	pool.Wait()
}

func BenchmarkWorkerPool_SubmitParallel(b *testing.B) {
	pool := NewWorkerPool(16)
	defer pool.Shutdown()
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = pool.Submit(ctx, func(context.Context) error { return nil })
		}
	})
	pool.Wait()
}
