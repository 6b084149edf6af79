package contexts

import (
	"bytes"
	"encoding/json"
)

// Ref hands Instance out by reference. A member that returns a Ref, or a
// call that passes one as an argument, gives the other side an interface
// to Instance under a fresh definition id instead of a copy of its fields.
type Ref struct {
	Instance any
}

func Reference(instance any) Ref { return Ref{Instance: instance} }

const refKey = "$netronRef"

// EncodeRef is the wire form of a context handed out by reference.
func EncodeRef(def Definition) json.RawMessage {
	b, _ := json.Marshal(map[string]Definition{refKey: def})
	return b
}

// MayHoldRef is a cheap check for whether wire value v could carry a
// reference at its top level or in an argument list.
func MayHoldRef(v any) bool {
	raw, ok := v.(json.RawMessage)
	return ok && bytes.Contains(raw, []byte(refKey))
}

// DecodeRef reports whether v, as received off the wire, is a reference
// and returns the definition it carries.
func DecodeRef(v any) (Definition, bool) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		return Definition{}, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' || !bytes.Contains(raw, []byte(refKey)) {
		return Definition{}, false
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil || len(wire) != 1 {
		return Definition{}, false
	}
	body, ok := wire[refKey]
	if !ok {
		return Definition{}, false
	}
	var def Definition
	if err := json.Unmarshal(body, &def); err != nil || def.ID == 0 {
		return Definition{}, false
	}
	return def, true
}
