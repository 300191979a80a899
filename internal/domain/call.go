package domain

import "time"

// Call pairs two registered names. It is keyed by the caller.
type Call struct {
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewCall(caller, callee string, now time.Time) *Call {
	return &Call{Caller: caller, Callee: callee, CreatedAt: now}
}

// Peer returns the other party of name, or "" if name is not in the call.
func (c *Call) Peer(name string) string {
	switch name {
	case c.Caller:
		return c.Callee
	case c.Callee:
		return c.Caller
	}
	return ""
}

func (c *Call) Has(name string) bool { return c.Peer(name) != "" }
