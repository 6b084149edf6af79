// Package contexts describes and hosts contexts: named objects a node
// exposes to its peers, each published under a numeric definition id.
package contexts

import (
	"errors"
	"sort"
)

var (
	ErrUnknownContext    = errors.New("contexts: unknown context")
	ErrDuplicateContext  = errors.New("contexts: context already attached")
	ErrInvalidContext    = errors.New("contexts: invalid context")
	ErrUnknownDefinition = errors.New("contexts: unknown definition")
	ErrUnknownMember     = errors.New("contexts: unknown member")
	ErrReadOnly          = errors.New("contexts: member is read-only")
	ErrBadArguments      = errors.New("contexts: bad arguments")
	ErrMemberPanic       = errors.New("contexts: member panicked")
)

type Kind string

const (
	KindMethod   Kind = "method"
	KindProperty Kind = "property"
)

// Member is one callable or readable entry of a definition.
type Member struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Readonly bool   `json:"readonly,omitempty"`
}

// Definition is the published description of one context.
type Definition struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Members []Member `json:"members"`
}

func (d Definition) Member(name string) (Member, bool) {
	for _, m := range d.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

func (d Definition) HasMember(name string) bool {
	_, ok := d.Member(name)
	return ok
}

// Capabilities lists member names in sorted order.
func (d Definition) Capabilities() []string {
	out := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

func (d Definition) Clone() Definition {
	members := make([]Member, len(d.Members))
	copy(members, d.Members)
	d.Members = members
	return d
}

// AttachEvent is the payload of a context:attach event.
type AttachEvent struct {
	Name       string     `json:"name"`
	Definition Definition `json:"def"`
}

// DetachEvent is the payload of a context:detach event.
type DetachEvent struct {
	Name  string `json:"name"`
	DefID uint64 `json:"defId"`
}
