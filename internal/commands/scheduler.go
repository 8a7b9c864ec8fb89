// Package commands implements the known-command scheduler: a small
// catalog of device queries (firmware/hardware version, ICCID) that get
// dispatched opportunistically once a device is streaming, subject to a
// per-session attempt cap, a minimum retry interval, and a daily quota
// backed by internal/store. It is the successor of the teacher's
// internal/dispatcher/commands.go, getver.go and iccid.go, generalized
// to call dispatcher.Send instead of writing to the socket directly.
package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarongabrielcy/codec-gateway/internal/dispatcher"
	"github.com/aarongabrielcy/codec-gateway/internal/store"
)

// Command describes one named device query.
type Command struct {
	Name             string
	Build            func() string
	DailyLimit       int
	SessionLimit     int
	MinRetryInterval time.Duration
	Condition        func(imei string) bool
}

type attemptState struct {
	sessionCount int
	lastAttempt  time.Time
}

// Scheduler holds the command catalog and per-IMEI attempt state. Unlike
// the teacher's package-level registry and cmdState maps, it is
// constructed explicitly and threaded to its collaborators.
type Scheduler struct {
	cache *store.Cache
	disp  *dispatcher.Dispatcher
	log   *slog.Logger

	mu       sync.RWMutex
	commands map[string]Command

	stateMu sync.Mutex
	state   map[string]map[string]*attemptState // imei -> cmd -> state
}

// New constructs a Scheduler with the default getver/iccid command set.
func New(cache *store.Cache, disp *dispatcher.Dispatcher, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		cache:    cache,
		disp:     disp,
		log:      log,
		commands: make(map[string]Command),
		state:    make(map[string]map[string]*attemptState),
	}
	s.registerDefaults()
	return s
}

func (s *Scheduler) registerDefaults() {
	s.Register(Command{
		Name:             "getver",
		Build:            func() string { return "getver" },
		DailyLimit:       10,
		SessionLimit:     3,
		MinRetryInterval: 5 * time.Minute,
	})
	s.Register(Command{
		Name:             "iccid_primary",
		Build:            func() string { return "getimeiccid" },
		DailyLimit:       5,
		SessionLimit:     2,
		MinRetryInterval: 10 * time.Minute,
	})
	s.Register(Command{
		Name:             "iccid_fallback",
		Build:            func() string { return "getparam 219,220,221" },
		DailyLimit:       5,
		SessionLimit:     2,
		MinRetryInterval: 10 * time.Minute,
		Condition: func(imei string) bool {
			return true // no extra gate: like iccid_primary, it runs whenever needsToRun finds no ICCID cached; it does not wait for iccid_primary to fail
		},
	})
}

// Register adds or replaces a command in the catalog.
func (s *Scheduler) Register(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[c.Name] = c
}

func (s *Scheduler) getCommand(name string) (Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[name]
	return c, ok
}

func (s *Scheduler) attemptStateFor(imei, cmd string) *attemptState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state[imei] == nil {
		s.state[imei] = make(map[string]*attemptState)
	}
	st, ok := s.state[imei][cmd]
	if !ok {
		st = &attemptState{}
		s.state[imei][cmd] = st
	}
	return st
}

func (s *Scheduler) needsToRun(ctx context.Context, imei, cmd string) bool {
	switch cmd {
	case "getver":
		fw := s.cache.GetFact(ctx, imei, "fw")
		model := s.cache.GetFact(ctx, imei, "model")
		return fw == "" || model == ""
	case "iccid_primary", "iccid_fallback":
		return s.cache.GetFact(ctx, imei, "iccid") == ""
	default:
		return false
	}
}

// TrySchedule evaluates cmdName against its condition, freshness, session
// and daily limits, and — if all pass — sends it via the dispatcher. It
// never blocks waiting for the response; the caller does not need the
// result, only whether the send was attempted.
func (s *Scheduler) TrySchedule(ctx context.Context, imei, cmdName string, sendTimeout time.Duration) {
	cmd, ok := s.getCommand(cmdName)
	if !ok {
		s.log.Warn("unknown command", "cmd", cmdName)
		return
	}

	if cmd.Condition != nil && !cmd.Condition(imei) {
		return
	}
	if !s.needsToRun(ctx, imei, cmdName) {
		return
	}

	st := s.attemptStateFor(imei, cmdName)
	s.stateMu.Lock()
	if st.sessionCount >= cmd.SessionLimit {
		s.stateMu.Unlock()
		return
	}
	now := time.Now()
	if !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < cmd.MinRetryInterval {
		s.stateMu.Unlock()
		return
	}
	s.stateMu.Unlock()

	allowed, dailyCount, err := s.cache.IncrDailyCounter(ctx, imei, cmdName, cmd.DailyLimit)
	if err != nil || !allowed {
		return
	}

	text := cmd.Build()
	_, err = s.disp.Send(ctx, imei, text, sendTimeout)
	if err != nil {
		s.log.Error("command send failed", "cmd", cmdName, "imei", imei, "err", err)
		return
	}

	s.stateMu.Lock()
	st.sessionCount++
	st.lastAttempt = now
	s.stateMu.Unlock()

	s.log.Info("command scheduled", "cmd", cmdName, "imei", imei, "session", st.sessionCount, "daily", dailyCount)
}

// ScheduleAll walks the catalog and calls TrySchedule for each command
// name, meant to be invoked once a session reaches Streaming. It starts a
// fresh per-session attempt count for imei; the last-attempt time is kept,
// so MinRetryInterval still spans reconnects.
func (s *Scheduler) ScheduleAll(ctx context.Context, imei string, sendTimeout time.Duration) {
	s.stateMu.Lock()
	for _, st := range s.state[imei] {
		st.sessionCount = 0
	}
	s.stateMu.Unlock()

	s.mu.RLock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		s.TrySchedule(ctx, imei, name, sendTimeout)
	}
}

var (
	reVer  = regexp.MustCompile(`(?i)\bver:([^\s]+(?:\s+Rev:?\s*\d+)?)`)
	reHw   = regexp.MustCompile(`(?i)\bhw:([A-Za-z0-9_-]+)`)
	reIMEI = regexp.MustCompile(`(?i)\bimei:([0-9]{14,17})`)
)

// DeviceVersion is the parsed result of a "getver" response.
type DeviceVersion struct {
	IMEI     string
	Model    string
	Firmware string
	Raw      string
}

// HandleGetVerResponse extracts firmware/hardware from a getver response
// and persists whatever fields were found.
func (s *Scheduler) HandleGetVerResponse(ctx context.Context, imei, text string) DeviceVersion {
	dv := DeviceVersion{IMEI: imei, Raw: text}
	if m := reVer.FindStringSubmatch(text); len(m) > 1 {
		dv.Firmware = strings.TrimSpace(m[1])
	}
	if m := reHw.FindStringSubmatch(text); len(m) > 1 {
		dv.Model = strings.TrimSpace(m[1])
	}
	if m := reIMEI.FindStringSubmatch(text); len(m) > 1 {
		dv.IMEI = strings.TrimSpace(m[1])
	}

	if dv.Firmware != "" {
		_ = s.cache.SaveFact(ctx, dv.IMEI, "fw", dv.Firmware)
	}
	if dv.Model != "" {
		_ = s.cache.SaveFact(ctx, dv.IMEI, "model", dv.Model)
	}
	s.log.Info("getver response", "imei", dv.IMEI, "model", dv.Model, "fw", dv.Firmware)
	return dv
}

// decodeICCIDChunk reinterprets a getparam-reported uint64 as 8 big-endian
// bytes and keeps only the ASCII digits — the device packs three ICCID
// fragments into params 219/220/221 this way.
func decodeICCIDChunk(u uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	var sb strings.Builder
	for _, b := range buf {
		if b >= '0' && b <= '9' {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

func decodeICCIDFromUintParts(p1, p2, p3 uint64) string {
	return decodeICCIDChunk(p1) + decodeICCIDChunk(p2) + decodeICCIDChunk(p3)
}

// parseICCIDParts extracts a map[paramID]decimalValue from a
// "Param values: 219:..., 220:..., 221:..." response.
func parseICCIDParts(s string) map[int]string {
	out := map[int]string{}
	idx := strings.Index(strings.ToLower(s), "param values:")
	if idx >= 0 {
		s = s[idx+len("param values:"):]
	}
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		var id int
		var val string
		if n, _ := fmt.Sscanf(c, "%d:%s", &id, &val); n == 2 {
			out[id] = strings.TrimSpace(val)
		}
	}
	return out
}

// HandleICCIDResponse recognizes both the direct "ICCID: ..." reply and
// the getparam 219/220/221 fallback encoding, and persists whichever it
// finds.
func (s *Scheduler) HandleICCIDResponse(ctx context.Context, imei, text string) {
	t := strings.TrimSpace(text)
	lt := strings.ToLower(t)

	if strings.Contains(lt, "iccid:") {
		parts := strings.SplitN(lt, "iccid:", 2)
		if len(parts) < 2 {
			return
		}
		val := strings.TrimSpace(parts[1])
		if len(val) >= 18 {
			_ = s.cache.SaveFact(ctx, imei, "iccid", val)
			s.log.Info("iccid stored", "imei", imei, "via", "getimeiccid")
		}
		return
	}

	if strings.Contains(lt, "param values") {
		m := parseICCIDParts(t)
		s219, ok219 := m[219]
		s220, ok220 := m[220]
		s221, ok221 := m[221]
		if !ok219 || !ok220 || !ok221 {
			return
		}
		u219, err1 := strconv.ParseUint(s219, 10, 64)
		u220, err2 := strconv.ParseUint(s220, 10, 64)
		u221, err3 := strconv.ParseUint(s221, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return
		}
		iccid := decodeICCIDFromUintParts(u219, u220, u221)
		if len(iccid) >= 18 {
			_ = s.cache.SaveFact(ctx, imei, "iccid", iccid)
			s.log.Info("iccid stored", "imei", imei, "via", "getparam")
		}
	}
}

// HandleCommandResponse routes an unsolicited or solicited Codec 12
// response text to the right handler based on its content, mirroring the
// teacher's HandleCommandResponses router.
func (s *Scheduler) HandleCommandResponse(ctx context.Context, imei, text string) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "ver:"), strings.Contains(lower, "hw:"):
		s.HandleGetVerResponse(ctx, imei, text)
	case strings.Contains(lower, "iccid"), strings.Contains(lower, "param values"):
		s.HandleICCIDResponse(ctx, imei, text)
	}
}
