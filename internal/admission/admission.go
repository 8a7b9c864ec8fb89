// Package admission implements the gateway's connection admission control:
// per-source rate limiting with soft-ban decay, a per-source device cap,
// and the source allow-list, per spec.md §4.3. Config also carries the IMEI
// allow-list settings, but the Controller never checks them; IMEI
// membership is checked by internal/imei.
package admission

import (
	"sync"
	"time"
)

// Config is the runtime-mutable admission policy, spec.md §6.
type Config struct {
	RateWindow           time.Duration
	MaxAttemptsPerWindow int
	MaxDevicesPerSource  int
	SoftBanDuration      time.Duration
	IMEIAllowEnabled     bool
	IMEIAllowList        map[string]struct{}
	SourceAllowEnabled   bool
	SourceAllowList      map[string]struct{}
}

// DefaultConfig matches the defaults spec.md §6 lists.
func DefaultConfig() Config {
	return Config{
		RateWindow:           300 * time.Second,
		MaxAttemptsPerWindow: 5,
		MaxDevicesPerSource:  10,
		SoftBanDuration:      3600 * time.Second,
		IMEIAllowEnabled:     false,
		IMEIAllowList:        map[string]struct{}{},
		SourceAllowEnabled:   false,
		SourceAllowList:      map[string]struct{}{},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision       { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

type sourceState struct {
	windowStart   time.Time
	attempts      int
	softBanUntil  time.Time
	boundIMEIs    map[string]struct{}
}

// Controller tracks per-source admission state. It is safe for concurrent
// use; its critical sections never perform socket I/O.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	sources map[string]*sourceState

	now func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Controller with the given initial config.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		sources: make(map[string]*sourceState),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current config for readers.
func (c *Controller) Snapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Update merges non-zero numeric and duration fields of partial into the
// live config. Nil maps are left untouched; empty non-nil maps replace the
// existing list (matching an operator explicitly clearing an allow-list).
// The two allow-list Enabled flags are always copied from partial, so a
// partial that leaves them false disables both allow-lists.
func (c *Controller) Update(partial Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if partial.RateWindow != 0 {
		c.cfg.RateWindow = partial.RateWindow
	}
	if partial.MaxAttemptsPerWindow != 0 {
		c.cfg.MaxAttemptsPerWindow = partial.MaxAttemptsPerWindow
	}
	if partial.MaxDevicesPerSource != 0 {
		c.cfg.MaxDevicesPerSource = partial.MaxDevicesPerSource
	}
	if partial.SoftBanDuration != 0 {
		c.cfg.SoftBanDuration = partial.SoftBanDuration
	}
	c.cfg.IMEIAllowEnabled = partial.IMEIAllowEnabled
	if partial.IMEIAllowList != nil {
		c.cfg.IMEIAllowList = partial.IMEIAllowList
	}
	c.cfg.SourceAllowEnabled = partial.SourceAllowEnabled
	if partial.SourceAllowList != nil {
		c.cfg.SourceAllowList = partial.SourceAllowList
	}
}

func (c *Controller) getOrCreate(source string) *sourceState {
	st, ok := c.sources[source]
	if !ok {
		st = &sourceState{boundIMEIs: make(map[string]struct{})}
		c.sources[source] = st
	}
	return st
}

// EvaluateOpen implements spec.md §4.3's evaluate_open algorithm.
func (c *Controller) EvaluateOpen(source string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	st := c.getOrCreate(source)

	if !st.softBanUntil.IsZero() && now.Before(st.softBanUntil) {
		return deny("banned")
	}

	if c.cfg.SourceAllowEnabled {
		if _, ok := c.cfg.SourceAllowList[source]; !ok {
			return deny("not_allowed")
		}
	}

	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= c.cfg.RateWindow {
		st.windowStart = now
		st.attempts = 0
	}

	if st.attempts >= c.cfg.MaxAttemptsPerWindow {
		st.softBanUntil = now.Add(c.cfg.SoftBanDuration)
		return deny("too_many_attempts")
	}

	st.attempts++
	return allow()
}

// EvaluateBind implements spec.md §4.3's evaluate_bind algorithm. A
// successful bind resets the source's attempt counter.
func (c *Controller) EvaluateBind(source, imei string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.getOrCreate(source)
	if _, already := st.boundIMEIs[imei]; !already && len(st.boundIMEIs) >= c.cfg.MaxDevicesPerSource {
		return deny("per_source_cap")
	}

	st.boundIMEIs[imei] = struct{}{}
	st.attempts = 0
	return allow()
}

// Release removes imei from source's bound set, pruning the source entry
// entirely once it holds no devices, its rate window has expired, and it is
// not under a soft ban.
func (c *Controller) Release(source, imei string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sources[source]
	if !ok {
		return
	}
	delete(st.boundIMEIs, imei)

	if len(st.boundIMEIs) == 0 {
		now := c.now()
		windowExpired := st.windowStart.IsZero() || now.Sub(st.windowStart) >= c.cfg.RateWindow
		banned := !st.softBanUntil.IsZero() && now.Before(st.softBanUntil)
		if windowExpired && !banned {
			delete(c.sources, source)
		}
	}
}

// StartSweep launches the background pruning loop spec.md §4.3 calls for,
// running every interval until Stop is called.
func (c *Controller) StartSweep(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for source, st := range c.sources {
		if len(st.boundIMEIs) > 0 {
			continue
		}
		windowExpired := st.windowStart.IsZero() || now.Sub(st.windowStart) >= c.cfg.RateWindow
		banned := !st.softBanUntil.IsZero() && now.Before(st.softBanUntil)
		if windowExpired && !banned {
			delete(c.sources, source)
		}
	}
}
