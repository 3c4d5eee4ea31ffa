package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu       sync.Mutex
	readings []Reading
}

func (c *collector) Record(r Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = append(c.readings, r)
	return nil
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

func TestSingleSampleRun(t *testing.T) {
	p := Func("light", func(context.Context, Options) (map[string]any, error) {
		return map[string]any{"lux": 120.5}, nil
	})
	p.Configure(time.Minute, 0)

	var c collector
	require.NoError(t, p.Start(context.Background(), &c))
	p.Wait()

	require.Equal(t, 1, c.Len())
	r := c.readings[0]
	assert.Equal(t, "light", r.Probe)
	assert.Equal(t, 120.5, r.Values["lux"])
	_, offset := r.Timestamp.Zone()
	assert.Equal(t, offset, r.TimezoneOffset)
	assert.Equal(t, time.Minute, p.Interval())
}

func TestStopEndsRunWithDuration(t *testing.T) {
	p := Func("accel", func(context.Context, Options) (map[string]any, error) {
		return map[string]any{"x": 0}, nil
	})
	p.Configure(time.Minute, time.Hour)

	var c collector
	require.NoError(t, p.Start(context.Background(), &c))
	assert.ErrorIs(t, p.Start(context.Background(), &c), ErrRunning)

	require.Eventually(t, func() bool { return c.Len() >= 1 }, time.Second, 10*time.Millisecond)
	p.Stop()

	// A finished run can be started again.
	p.Configure(time.Minute, 0)
	require.NoError(t, p.Start(context.Background(), &c))
	p.Wait()
}

func TestSampleErrorsAreNotRecorded(t *testing.T) {
	p := Func("broken", func(context.Context, Options) (map[string]any, error) {
		return nil, errors.New("sensor unavailable")
	})
	var c collector
	require.NoError(t, p.Start(context.Background(), &c))
	p.Wait()
	assert.Zero(t, c.Len())
}

func TestRuntimeProbeHidesSensitiveData(t *testing.T) {
	p := NewRuntime()
	var c collector

	require.NoError(t, p.Start(context.Background(), &c))
	p.Wait()
	assert.Contains(t, c.readings[0].Values, "pid")

	p.SetHideSensitiveData(true)
	require.NoError(t, p.Start(context.Background(), &c))
	p.Wait()
	assert.NotContains(t, c.readings[1].Values, "pid")
	assert.NotContains(t, c.readings[1].Values, "hostname")
	assert.Contains(t, c.readings[1].Values, "goroutines")
}

func TestBuiltins(t *testing.T) {
	probes := Builtins()
	require.Contains(t, probes, NameClock)

	var c collector
	clock := probes[NameClock]
	require.NoError(t, clock.Start(context.Background(), SinkFunc(c.Record)))
	clock.Stop()

	_, isSensitive := probes[NameRuntime].(Sensitive)
	assert.True(t, isSensitive)
}
