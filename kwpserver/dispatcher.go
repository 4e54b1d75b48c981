package kwpserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

// Request 解码后的诊断请求
type Request struct {
	SID  byte
	Args []byte
}

// DecodeRequest splits a reassembled payload into [sid, args...].
// An empty payload yields ok == false and must be dropped.
func DecodeRequest(payload []byte) (Request, bool) {
	if len(payload) == 0 {
		return Request{}, false
	}
	return Request{SID: payload[0], Args: payload[1:]}, true
}

type responseKind uint8

const (
	kindPositive responseKind = iota
	kindNegative
	kindSuppressed
)

// Response is Positive(optional LID, data), Negative(NRC) or suppressed.
type Response struct {
	kind   responseKind
	hasLID bool
	lid    byte
	data   []byte
	nrc    NRC
}

func Positive(data ...byte) Response { return Response{kind: kindPositive, data: data} }

func PositiveLID(lid byte, data ...byte) Response {
	return Response{kind: kindPositive, hasLID: true, lid: lid, data: data}
}

func Negative(nrc NRC) Response { return Response{kind: kindNegative, nrc: nrc} }

// Suppressed means no frame is sent at all.
func Suppressed() Response { return Response{kind: kindSuppressed} }

func (r Response) IsPositive() bool   { return r.kind == kindPositive }
func (r Response) IsNegative() bool   { return r.kind == kindNegative }
func (r Response) IsSuppressed() bool { return r.kind == kindSuppressed }

// NRC returns the negative response code, zero for other kinds.
func (r Response) NRC() NRC { return r.nrc }

// EncodedLen 编码后的字节数
func (r Response) EncodedLen() int {
	switch r.kind {
	case kindPositive:
		n := 1 + len(r.data)
		if r.hasLID {
			n++
		}
		return n
	case kindNegative:
		return 3
	}
	return 0
}

// Encode produces [sid+0x40, lid?, data...] or [0x7F, sid, nrc].
func (r Response) Encode(sid byte) []byte {
	switch r.kind {
	case kindPositive:
		out := make([]byte, 0, r.EncodedLen())
		out = append(out, sid+positiveResponseOffset)
		if r.hasLID {
			out = append(out, r.lid)
		}
		return append(out, r.data...)
	case kindNegative:
		return []byte{negativeResponseSID, sid, byte(r.nrc)}
	}
	return nil
}

// Call 传给处理函数的上下文
type Call struct {
	State State
	Args  []byte
	Now   time.Time
}

// Handler computes a response and the session events it causes. Handlers
// never touch the session directly.
type Handler func(c Call) (Response, []Event)

// Service is one entry of the dispatch table.
type Service struct {
	SID     byte
	Name    string
	MinArgs int
	MaxArgs int // -1: unbounded
	Handler Handler
}

func (s Service) acceptsArgs(n int) bool {
	return n >= s.MinArgs && (s.MaxArgs < 0 || n <= s.MaxArgs)
}

type Option func(*Dispatcher)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithInactivityWindow overrides InactivityWindow.
func WithInactivityWindow(w time.Duration) Option { return func(d *Dispatcher) { d.window = w } }

// WithBudget overrides the maximum encoded response length.
func WithBudget(n int) Option { return func(d *Dispatcher) { d.budget = n } }

// Dispatcher 持有会话状态与服务表
type Dispatcher struct {
	mu       sync.Mutex
	services map[byte]Service
	session  *Session

	now    func() time.Time
	logger *slog.Logger
	window time.Duration
	budget int
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		services: make(map[byte]Service),
		now:      time.Now,
		logger:   slog.Default(),
		window:   InactivityWindow,
		budget:   tp_layer.MaxPayloadLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.session = NewSession(d.window, d.now())
	return d
}

// Register adds or replaces the handler for svc.SID.
func (d *Dispatcher) Register(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[svc.SID] = svc
}

// State returns the current session state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.State()
}

// Tick runs the periodic inactivity check. Reports whether the session was reset.
func (d *Dispatcher) Tick(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expireLocked(now)
}

func (d *Dispatcher) expireLocked(now time.Time) bool {
	prev := d.session.State().Mode
	if !d.session.Expire(now) {
		return false
	}
	d.logger.Info("diagnostic session timed out, returning to default",
		"from", prev.String(), "idle", now.Sub(d.session.LastActivity()))
	return true
}

// Dispatch handles req at the dispatcher's current time.
func (d *Dispatcher) Dispatch(req Request) Response {
	return d.DispatchAt(req, d.now())
}

// DispatchAt handles req as if it arrived at now. The inactivity check runs
// first, so a stale session never serves a request even if Tick is late.
func (d *Dispatcher) DispatchAt(req Request, now time.Time) Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expireLocked(now)

	svc, ok := d.services[req.SID]
	if !ok {
		return Negative(NRCServiceNotSupported)
	}
	if !svc.acceptsArgs(len(req.Args)) {
		return Negative(NRCSubFunctionNotSupported)
	}

	resp, events := svc.Handler(Call{State: d.session.State(), Args: req.Args, Now: now})
	for _, ev := range events {
		d.session.Apply(ev, now)
	}

	if resp.EncodedLen() > d.budget {
		d.logger.Warn("response exceeds buffer, replaced by BufferOverflow",
			"sid", req.SID, "len", resp.EncodedLen(), "budget", d.budget)
		return Negative(NRCBufferOverflow)
	}
	return resp
}

// Handle decodes payload, dispatches it and encodes the answer. ok is false
// when nothing should be sent.
func (d *Dispatcher) Handle(payload []byte) (out []byte, ok bool) {
	req, ok := DecodeRequest(payload)
	if !ok {
		return nil, false
	}
	resp := d.Dispatch(req)
	if resp.IsSuppressed() {
		return nil, false
	}
	return resp.Encode(req.SID), true
}
