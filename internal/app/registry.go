package app

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/core"
	"github.com/dkeye/Recorder/internal/domain"
)

// Registry owns every session and call of the process. Nothing survives a
// restart.
type Registry interface {
	Create(sig core.SignalConnection, key string) *Session
	Get(sid domain.SessionID) (*Session, bool)
	Remove(sid domain.SessionID)
	RecordEvent(sid domain.SessionID, event string)
	Count() int
	Snapshot() RegistrySnapshot

	BindName(sid domain.SessionID, name string) error
	UnbindName(sid domain.SessionID) (string, bool)
	Lookup(name string) (*Session, bool)

	PlaceCall(caller, callee string) (domain.Call, error)
	CallOf(name string) (domain.Call, bool)
	ConnectReady() []domain.Call
	EndCall(name string) (domain.Call, bool)
}

// RegistrySnapshot is the admin view of the whole registry.
type RegistrySnapshot struct {
	Created  uint64            `json:"created"`
	Sessions []SessionSnapshot `json:"sessions"`
	Calls    []domain.Call     `json:"calls"`
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	names    map[string]domain.SessionID
	calls    map[string]*domain.Call
	callOf   map[string]string

	seq atomic.Uint64
	now func() time.Time
}

func NewRegistry() Registry {
	return NewRegistryWithClock(time.Now)
}

func NewRegistryWithClock(now func() time.Time) Registry {
	return &memoryRegistry{
		sessions: make(map[domain.SessionID]*Session),
		names:    make(map[string]domain.SessionID),
		calls:    make(map[string]*domain.Call),
		callOf:   make(map[string]string),
		now:      now,
	}
}

func (r *memoryRegistry) Create(sig core.SignalConnection, key string) *Session {
	seq := r.seq.Add(1)
	sid := domain.SessionID(uuid.NewString())
	s := newSession(sid, seq, key, sig, r.now)

	r.mu.Lock()
	r.sessions[sid] = s
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Uint64("seq", seq).Msg("created session")
	return s
}

func (r *memoryRegistry) Get(sid domain.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *memoryRegistry) Remove(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sid]; ok {
		if name := s.Name(); name != "" && r.names[name] == sid {
			delete(r.names, name)
		}
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed session")
}

func (r *memoryRegistry) RecordEvent(sid domain.SessionID, event string) {
	s, ok := r.Get(sid)
	if !ok {
		return
	}
	s.RecordEvent(event)
}

func (r *memoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *memoryRegistry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	calls := make([]domain.Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, *c)
	}
	r.mu.RUnlock()

	out := RegistrySnapshot{
		Created:  r.seq.Load(),
		Sessions: make([]SessionSnapshot, 0, len(sessions)),
		Calls:    calls,
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, s.Snapshot())
	}
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].Seq < out.Sessions[j].Seq })
	sort.Slice(out.Calls, func(i, j int) bool { return out.Calls[i].CreatedAt.Before(out.Calls[j].CreatedAt) })
	return out
}

func (r *memoryRegistry) BindName(sid domain.SessionID, name string) error {
	if err := domain.ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	if !ok {
		return domain.ErrSessionClosed
	}
	if owner, taken := r.names[name]; taken && owner != sid {
		return domain.ErrDuplicateName
	}
	if prev := s.Name(); prev != "" && prev != name {
		// the call is keyed by name; renaming would orphan it
		if _, busy := r.callOf[prev]; busy {
			return domain.ErrAlreadyInCall
		}
		delete(r.names, prev)
	}
	r.names[name] = sid
	s.setName(name)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("name", name).Msg("bound name")
	return nil
}

func (r *memoryRegistry) UnbindName(sid domain.SessionID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	name := s.Name()
	if name == "" || r.names[name] != sid {
		return "", false
	}
	delete(r.names, name)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("name", name).Msg("unbound name")
	return name, true
}

func (r *memoryRegistry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.names[name]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *memoryRegistry) PlaceCall(caller, callee string) (domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.callOf[caller]; busy {
		return domain.Call{}, domain.ErrAlreadyInCall
	}
	if _, busy := r.callOf[callee]; busy {
		return domain.Call{}, domain.ErrAlreadyInCall
	}
	c := domain.NewCall(caller, callee, r.now())
	r.calls[caller] = c
	r.callOf[caller] = caller
	r.callOf[callee] = caller
	log.Info().Str("module", "app.registry").Str("caller", caller).Str("callee", callee).Msg("placed call")
	return *c, nil
}

func (r *memoryRegistry) CallOf(name string) (domain.Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.callOf[name]
	if !ok {
		return domain.Call{}, false
	}
	return *r.calls[key], true
}

// ConnectReady marks every call whose two names resolve to live sessions as
// connected and returns the calls connected by this invocation only.
func (r *memoryRegistry) ConnectReady() []domain.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Call
	for _, c := range r.calls {
		if c.Connected {
			continue
		}
		if !r.liveLocked(c.Caller) || !r.liveLocked(c.Callee) {
			continue
		}
		c.Connected = true
		out = append(out, *c)
		log.Info().Str("module", "app.registry").Str("caller", c.Caller).Str("callee", c.Callee).Msg("call connected")
	}
	return out
}

func (r *memoryRegistry) liveLocked(name string) bool {
	sid, ok := r.names[name]
	if !ok {
		return false
	}
	_, ok = r.sessions[sid]
	return ok
}

func (r *memoryRegistry) EndCall(name string) (domain.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.callOf[name]
	if !ok {
		return domain.Call{}, false
	}
	c := r.calls[key]
	delete(r.calls, key)
	delete(r.callOf, c.Caller)
	delete(r.callOf, c.Callee)
	log.Info().Str("module", "app.registry").Str("caller", c.Caller).Str("callee", c.Callee).Msg("ended call")
	return *c, true
}
