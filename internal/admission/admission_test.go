package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testController(cfg Config) (*Controller, *fakeClock) {
	c := New(cfg)
	clock := &fakeClock{t: time.Unix(0, 0)}
	c.now = clock.Now
	return c, clock
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestEvaluateOpen_RateLimitAndSoftBan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttemptsPerWindow = 2
	c, clock := testController(cfg)

	assert.True(t, c.EvaluateOpen("1.2.3.4").Allowed)
	assert.True(t, c.EvaluateOpen("1.2.3.4").Allowed)

	third := c.EvaluateOpen("1.2.3.4")
	assert.False(t, third.Allowed)
	assert.Equal(t, "too_many_attempts", third.Reason)

	// Still banned immediately after.
	banned := c.EvaluateOpen("1.2.3.4")
	assert.False(t, banned.Allowed)
	assert.Equal(t, "banned", banned.Reason)

	clock.Advance(cfg.SoftBanDuration + time.Second)
	require.True(t, c.EvaluateOpen("1.2.3.4").Allowed)
}

func TestEvaluateOpen_SourceAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SourceAllowEnabled = true
	cfg.SourceAllowList = map[string]struct{}{"10.0.0.1": {}}
	c, _ := testController(cfg)

	assert.False(t, c.EvaluateOpen("10.0.0.2").Allowed)
	assert.True(t, c.EvaluateOpen("10.0.0.1").Allowed)
}

func TestEvaluateOpen_BanTakesPrecedenceOverAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttemptsPerWindow = 1
	c, _ := testController(cfg)

	// Earn a soft ban while the source is still allowed.
	require.True(t, c.EvaluateOpen("10.0.0.2").Allowed)
	require.False(t, c.EvaluateOpen("10.0.0.2").Allowed)

	// Now enable an allow-list that excludes it. A source that is both
	// banned and off the allow-list must be denied for being banned.
	cfg.SourceAllowEnabled = true
	cfg.SourceAllowList = map[string]struct{}{"10.0.0.1": {}}
	c.Update(cfg)

	denied := c.EvaluateOpen("10.0.0.2")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "banned", denied.Reason)
}

func TestEvaluateBind_PerSourceDeviceCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDevicesPerSource = 1
	c, _ := testController(cfg)

	assert.True(t, c.EvaluateBind("1.2.3.4", "111111111111111").Allowed)
	second := c.EvaluateBind("1.2.3.4", "222222222222222")
	assert.False(t, second.Allowed)
	assert.Equal(t, "per_source_cap", second.Reason)

	// Rebinding the same IMEI is not a new device.
	assert.True(t, c.EvaluateBind("1.2.3.4", "111111111111111").Allowed)
}

func TestRelease_PrunesEmptyExpiredSource(t *testing.T) {
	cfg := DefaultConfig()
	c, clock := testController(cfg)

	require.True(t, c.EvaluateOpen("1.2.3.4").Allowed)
	require.True(t, c.EvaluateBind("1.2.3.4", "111111111111111").Allowed)

	c.Release("1.2.3.4", "111111111111111")
	c.mu.Lock()
	_, stillTracked := c.sources["1.2.3.4"]
	c.mu.Unlock()
	assert.True(t, stillTracked, "window has not expired yet, source stays tracked")

	clock.Advance(cfg.RateWindow + time.Second)
	c.Release("1.2.3.4", "111111111111111")
	c.mu.Lock()
	_, stillTracked = c.sources["1.2.3.4"]
	c.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestUpdate_MergesNonZeroFields(t *testing.T) {
	c := New(DefaultConfig())
	c.Update(Config{MaxAttemptsPerWindow: 42})
	assert.Equal(t, 42, c.Snapshot().MaxAttemptsPerWindow)
	assert.Equal(t, DefaultConfig().MaxDevicesPerSource, c.Snapshot().MaxDevicesPerSource)
}
