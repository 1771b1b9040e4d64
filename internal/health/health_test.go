package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) Probe {
	return func(context.Context) error { return errors.New(msg) }
}

func TestCheck_Empty(t *testing.T) {
	rep := NewRegistry().Check(context.Background())
	assert.True(t, rep.Healthy)
	assert.False(t, rep.Degraded)
	assert.Empty(t, rep.Checks)
}

func TestCheck_Aggregation(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(r *Registry)
		wantHealthy  bool
		wantDegraded bool
	}{
		{"all pass", func(r *Registry) {
			r.Critical("postgres", ok)
			r.Optional("scorer", ok)
		}, true, false},
		{"optional fails", func(r *Registry) {
			r.Critical("postgres", ok)
			r.Optional("scorer", failing("connection refused"))
		}, true, true},
		{"critical fails", func(r *Registry) {
			r.Critical("postgres", failing("connection refused"))
			r.Optional("scorer", ok)
		}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.setup(r)
			rep := r.Check(context.Background())
			assert.Equal(t, tt.wantHealthy, rep.Healthy)
			assert.Equal(t, tt.wantDegraded, rep.Degraded)
		})
	}
}

func TestCheck_StatusesInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Critical("postgres", ok)
	r.Critical("redis", failing("redis: nil"))
	r.Optional("scorer", ok)

	rep := r.Check(context.Background())
	require.Len(t, rep.Checks, 3)
	assert.Equal(t, Status{Name: "postgres", Healthy: true, Critical: true, LatencyMS: rep.Checks[0].LatencyMS}, rep.Checks[0])
	assert.Equal(t, "redis", rep.Checks[1].Name)
	assert.Equal(t, "redis: nil", rep.Checks[1].Detail)
	assert.False(t, rep.Checks[2].Critical)
}

func TestCheck_ProbeTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Critical("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	rep := r.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, rep.Healthy)
	assert.Contains(t, rep.Checks[0].Detail, "deadline exceeded")
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Optional("probe", ok)
		}()
		go func() {
			defer wg.Done()
			r.Check(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, r.Check(context.Background()).Checks, 10)
}
