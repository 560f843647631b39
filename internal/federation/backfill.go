package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cirnoe/homefed/internal/model"
)

// BackfillStore is the narrow slice of the rooms store the Backfill Walker
// depends on.
type BackfillStore interface {
	GetPDUJSON(ctx context.Context, eventID model.EventID) (json.RawMessage, bool, error)
}

// BackfillRequest is the body of POST
// /_matrix/federation/v1/get_missing_events/<room_id>.
type BackfillRequest struct {
	RoomID         string          `json:"-"`
	EarliestEvents []model.EventID `json:"earliest_events"`
	LatestEvents   []model.EventID `json:"latest_events"`
	Limit          int             `json:"limit"`
	MinDepth       int             `json:"min_depth"`
}

// BackfillResponse is the body returned from get_missing_events.
type BackfillResponse struct {
	Events []json.RawMessage `json:"events"`
}

// pduPrevEvents is the subset of a stored PDU's JSON this walker needs to
// keep walking: its own event_id (to check against earliest_events) and
// its prev_events (to enqueue next).
type pduPrevEvents struct {
	EventID    model.EventID   `json:"event_id"`
	PrevEvents []model.EventID `json:"prev_events"`
}

// Backfill answers get_missing_events: a breadth-first walk over
// persisted prev_events pointers, bounded by earliest_events and limit.
// min_depth is accepted but not enforced.
func Backfill(ctx context.Context, store BackfillStore, req BackfillRequest) (*BackfillResponse, error) {
	earliest := make(map[model.EventID]bool, len(req.EarliestEvents))
	for _, id := range req.EarliestEvents {
		earliest[id] = true
	}

	queue := append([]model.EventID{}, req.LatestEvents...)
	seen := make(map[model.EventID]bool, len(queue))
	var events []json.RawMessage

	for i := 0; i < len(queue) && len(events) < req.Limit; i++ {
		id := queue[i]
		if seen[id] {
			continue
		}
		seen[id] = true

		raw, ok, err := store.GetPDUJSON(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("looking up pdu %s: %w", id, err)
		}
		if !ok {
			continue
		}

		var parsed pduPrevEvents
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("decoding stored pdu %s: %w", id, err)
		}

		if earliest[parsed.EventID] {
			continue
		}

		events = append(events, raw)
		queue = append(queue, parsed.PrevEvents...)
	}

	if events == nil {
		events = []json.RawMessage{}
	}
	return &BackfillResponse{Events: events}, nil
}
