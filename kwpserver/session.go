package kwpserver

import (
	"fmt"
	"time"
)

// InactivityWindow 超过该时间未收到有效报文则回到默认会话
const InactivityWindow = 2500 * time.Millisecond

// Mode is a diagnostic session, encoded as its on-wire marker byte.
type Mode byte

const (
	SessionDefault  Mode = 0x81 // Default session on boot
	SessionFlash    Mode = 0x85
	SessionStandby  Mode = 0x89
	SessionPassive  Mode = 0x90
	SessionExtended Mode = 0x92
)

func (m Mode) String() string {
	switch m {
	case SessionDefault:
		return "Default"
	case SessionFlash:
		return "Flash"
	case SessionStandby:
		return "Standby"
	case SessionPassive:
		return "Passive"
	case SessionExtended:
		return "Extended"
	default:
		return fmt.Sprintf("Mode(0x%02X)", byte(m))
	}
}

// ParseMode accepts only the five session markers.
func ParseMode(b byte) (Mode, bool) {
	switch m := Mode(b); m {
	case SessionDefault, SessionFlash, SessionStandby, SessionPassive, SessionExtended:
		return m, true
	}
	return 0, false
}

// State 会话状态
type State struct {
	Mode     Mode
	Unlocked bool // SecurityAccess granted in the current session
}

// EventKind 会话事件类型
type EventKind uint8

const (
	EventStartSession EventKind = iota + 1
	EventActivity
	EventInactivityTimeout
	EventSecurityUnlocked
)

type Event struct {
	Kind   EventKind
	Target Mode // EventStartSession only
}

func StartSession(m Mode) Event { return Event{Kind: EventStartSession, Target: m} }

var (
	Activity          = Event{Kind: EventActivity}
	InactivityTimeout = Event{Kind: EventInactivityTimeout}
	SecurityUnlocked  = Event{Kind: EventSecurityUnlocked}
)

// Transition is the session state machine. Changing session re-locks security.
func Transition(s State, ev Event) State {
	switch ev.Kind {
	case EventStartSession:
		if _, ok := ParseMode(byte(ev.Target)); !ok {
			return s
		}
		if ev.Target == s.Mode {
			return s
		}
		return State{Mode: ev.Target}
	case EventInactivityTimeout:
		if s.Mode == SessionDefault {
			return s
		}
		return State{Mode: SessionDefault}
	case EventSecurityUnlocked:
		if s.Mode != SessionExtended {
			return s
		}
		s.Unlocked = true
		return s
	}
	// EventActivity only moves the timestamp
	return s
}

// Session 是唯一的长生命周期会话实例, 由 Dispatcher 持有
type Session struct {
	state        State
	lastActivity time.Time
	window       time.Duration
}

func NewSession(window time.Duration, now time.Time) *Session {
	return &Session{
		state:        State{Mode: SessionDefault},
		lastActivity: now,
		window:       window,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) LastActivity() time.Time { return s.lastActivity }

// Apply feeds ev through Transition. Activity refreshes the timestamp.
func (s *Session) Apply(ev Event, now time.Time) {
	if ev.Kind == EventActivity {
		s.lastActivity = now
	}
	s.state = Transition(s.state, ev)
}

// Expire forces Default when the inactivity window has elapsed.
// Reports whether the session changed.
func (s *Session) Expire(now time.Time) bool {
	if s.state.Mode == SessionDefault || now.Sub(s.lastActivity) <= s.window {
		return false
	}
	s.state = Transition(s.state, InactivityTimeout)
	return true
}
