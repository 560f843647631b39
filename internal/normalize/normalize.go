// Package normalize implements the PDU Normalizer: deriving a canonical
// event id for a raw incoming PDU via reference hashing and embedding it
// into the event's JSON object, overwriting any event_id the wire payload
// already carried.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/cirnoe/homefed/internal/canonicaljson"
	"github.com/cirnoe/homefed/internal/model"
)

// PDU takes a raw PDU as received on the wire and returns its derived
// EventID along with the canonical JSON object with event_id inserted.
// PDU is a pure function: two calls with canonically-equal input
// always yield equal event ids.
func PDU(raw json.RawMessage) (model.EventID, model.RawPDU, error) {
	hash, err := canonicaljson.ReferenceHash(raw)
	if err != nil {
		return "", nil, fmt.Errorf("deriving reference hash: %w", err)
	}
	eventID := model.EventID("$" + hash)

	var obj model.RawPDU
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, fmt.Errorf("decoding PDU object: %w", err)
	}

	idJSON, err := json.Marshal(string(eventID))
	if err != nil {
		return "", nil, fmt.Errorf("encoding event_id: %w", err)
	}
	obj["event_id"] = idJSON

	return eventID, obj, nil
}

// Typed decodes a normalized PDU object into a model.PDU view, preserving
// the already-derived EventID.
func Typed(eventID model.EventID, obj model.RawPDU) (*model.PDU, error) {
	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling PDU object: %w", err)
	}

	var p model.PDU
	if err := json.Unmarshal(merged, &p); err != nil {
		return nil, fmt.Errorf("decoding typed PDU: %w", err)
	}
	p.EventID = eventID
	return &p, nil
}
