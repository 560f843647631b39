// Package model defines the shared data types of the federation core:
// PDUs and their derived event ids, room state, storage-key encoding,
// server key documents, and the transaction envelope and result types of
// the /send wire format.
package model

import (
	"encoding/json"
	"fmt"
)

// ServerName is a DNS-style identifier (host, or host:port) that other
// servers use to address this homeserver or a peer.
type ServerName string

// EventID is the globally unique identifier of a PDU: "$" followed by the
// unpadded base64 reference hash of its canonical JSON (room version >= 3
// rule). It is derived, never assigned, and immutable once computed.
type EventID string

// String implements fmt.Stringer.
func (id EventID) String() string { return string(id) }

// StateKeyTuple identifies one slot in a room's state mapping.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// RawPDU is a PDU's JSON object keyed by field name, as received on the
// wire without a locally-trusted event_id. The normalizer turns this into
// a PDU by deriving the reference hash.
type RawPDU map[string]json.RawMessage

// PDU is one room event, normalized (its EventID derived and embedded).
// A PDU is a state event iff StateKey is non-nil.
type PDU struct {
	EventID    EventID         `json:"event_id"`
	RoomID     string          `json:"room_id"`
	Sender     string          `json:"sender"`
	EventType  string          `json:"type"`
	StateKey   *string         `json:"state_key,omitempty"`
	PrevEvents []EventID       `json:"prev_events"`
	AuthEvents []EventID       `json:"auth_events"`
	Content    json.RawMessage `json:"content"`
	OriginTS   int64           `json:"origin_server_ts"`
	Unsigned   json.RawMessage `json:"unsigned,omitempty"`
	Signatures json.RawMessage `json:"signatures,omitempty"`
}

// IsState reports whether this PDU carries a state_key and therefore
// participates in the room's (event_type, state_key) -> event_id mapping.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateTuple returns the (event_type, state_key) slot this PDU occupies.
// Only meaningful when IsState reports true.
func (p *PDU) StateTuple() StateKeyTuple {
	var key string
	if p.StateKey != nil {
		key = *p.StateKey
	}
	return StateKeyTuple{EventType: p.EventType, StateKey: key}
}

// RoomState maps (event_type, state_key) to the EventID of the state event
// currently authoritative for that slot, per room.
type RoomState map[StateKeyTuple]EventID

// Clone returns a shallow copy, safe to mutate without affecting the
// original map.
func (s RoomState) Clone() RoomState {
	out := make(RoomState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// PlacementKind is the outcome of the placement oracle: append to the
// current tip, insert before an existing PDU, or neither.
type PlacementKind int

const (
	// PlacementAppend means the PDU's parents are the current room tips.
	PlacementAppend PlacementKind = iota
	// PlacementInsert means the PDU is older than the tip but its parents
	// are known; OldCount names the storage-key count to insert after.
	PlacementInsert
	// PlacementUnknown means neither Append nor Insert is justified by the
	// PDU's prev_events against the known graph.
	PlacementUnknown
)

// Placement is the result of the placement oracle for one PDU.
type Placement struct {
	Kind     PlacementKind
	OldCount uint64 // only meaningful when Kind == PlacementInsert
}

// StorageKeySeparator is the byte that separates a room id from its
// monotonic event count in a pdu_id.
const StorageKeySeparator = 0xFF

// InsertSuffix is appended to a storage key built from Placement to mark it
// as occupying a slot between an existing count and its successor.
const InsertSuffix = 0x01

// BuildStorageKey encodes insertion order within a room: room_id bytes,
// 0xFF, the count as an 8-byte big-endian integer, and (for an insertion)
// a trailing 0x01. Lexicographic order of storage keys within a room
// reflects intended causal order.
func BuildStorageKey(roomID string, count uint64, insert bool) []byte {
	key := make([]byte, 0, len(roomID)+1+8+1)
	key = append(key, []byte(roomID)...)
	key = append(key, StorageKeySeparator)
	key = append(key, encodeBigEndian64(count)...)
	if insert {
		key = append(key, InsertSuffix)
	}
	return key
}

func encodeBigEndian64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v & 0xFF)
		v >>= 8
	}
	return b
}

// ServerKeyDocument is the canonical-signed document other servers use to
// verify this server's signatures, served at GET /_matrix/key/v2/server.
type ServerKeyDocument struct {
	ServerName    string                       `json:"server_name"`
	VerifyKeys    map[string]VerifyKeyEntry    `json:"verify_keys"`
	OldVerifyKeys map[string]VerifyKeyEntry    `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[string]string `json:"signatures,omitempty"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
}

// VerifyKeyEntry is one entry in a ServerKeyDocument's verify_keys map.
type VerifyKeyEntry struct {
	Key string `json:"key"` // unpadded base64 Ed25519 public key
}

// PDUResult is the per-PDU outcome recorded in a TransactionResult: either
// success (Error == "") or a human-readable failure reason.
type PDUResult struct {
	Error string
}

// OK reports whether the PDU was accepted.
func (r PDUResult) OK() bool { return r.Error == "" }

// TransactionResult maps every PDU in a /send transaction to its outcome,
// keyed by the PDU's derived EventID. Exactly one entry per input PDU.
type TransactionResult struct {
	PDUs map[EventID]PDUResult `json:"pdus"`
}

// MarshalJSON renders the {pdus: {event_id: "" | {"error": "..."}}} shape
// the federation /send response requires.
func (t TransactionResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(t.PDUs))
	for id, res := range t.PDUs {
		if res.OK() {
			out[string(id)] = json.RawMessage(`""`)
			continue
		}
		b, err := json.Marshal(struct {
			Error string `json:"error"`
		}{Error: res.Error})
		if err != nil {
			return nil, fmt.Errorf("marshaling pdu result for %s: %w", id, err)
		}
		out[string(id)] = b
	}
	return json.Marshal(struct {
		PDUs map[string]json.RawMessage `json:"pdus"`
	}{PDUs: out})
}

// Transaction is the body of PUT /_matrix/federation/v1/send/<txn_id>.
type Transaction struct {
	Origin string            `json:"origin"`
	PDUs   []json.RawMessage `json:"pdus"`
	EDUs   []EDU             `json:"edus"`
}

// EDU is one ephemeral data unit: typing, presence, or receipt. Only
// m.typing has side effects here; the rest are accepted and discarded.
type EDU struct {
	EDUType string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// TypingContent is the decoded content of an m.typing EDU.
type TypingContent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}
