package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cirnoe/homefed/internal/eventbus"
	"github.com/cirnoe/homefed/internal/model"
	"github.com/cirnoe/homefed/internal/normalize"
)

// RoomStore is the narrow slice of the rooms store the ingestor depends
// on. Satisfied by *store.Store.
type RoomStore interface {
	Exists(ctx context.Context, roomID string) (bool, error)
	IsJoined(ctx context.Context, userID, roomID string) (bool, error)
	GetClosestParent(ctx context.Context, roomID string, prevEvents []model.EventID, theirState map[model.EventID]*model.PDU) (model.Placement, error)
	RoomStateFull(ctx context.Context, roomID string) (model.RoomState, error)
	SetRoomState(ctx context.Context, roomID, eventType, stateKey string, eventID model.EventID) error
	NextCount(ctx context.Context) (uint64, error)
	AppendPDU(ctx context.Context, pdu *model.PDU, raw json.RawMessage, count uint64, pduID []byte, insert bool) ([]byte, error)
}

// TypingStore is the narrow slice of the typing EDU store the ingestor
// depends on. Satisfied by *typing.Store.
type TypingStore interface {
	Set(ctx context.Context, roomID, userID string) error
	Clear(ctx context.Context, roomID, userID string) error
}

// EventNotifier is notified once a PDU is durably persisted, so other
// subsystems (sync, push, search indexing — all out of this core's scope)
// can react without the ingestor knowing about them. Satisfied by
// *eventbus.Bus.
type EventNotifier interface {
	PublishPDUPersisted(ctx context.Context, ev eventbus.PDUPersisted) error
	PublishTypingUpdated(ctx context.Context, ev eventbus.TypingUpdated) error
}

// FedClient is the narrow slice of the federation client the ingestor
// depends on, to fetch a remote server's state view for a PDU. Satisfied
// by *fedclient.Client.
type FedClient interface {
	Send(ctx context.Context, method, destination, path string, body, out interface{}) error
}

// getRoomStateResponse is the body of GET
// /_matrix/federation/v1/state/<room_id>?event_id=<event_id>.
type getRoomStateResponse struct {
	PDUs      []json.RawMessage `json:"pdus"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// Ingestor is the /send endpoint's engine: the EDU pass plus the per-PDU
// validate/place/persist pipeline.
type Ingestor struct {
	Store    RoomStore
	Typing   TypingStore
	Client   FedClient
	Resolver StateResolver
	Events   EventNotifier
	Logger   *slog.Logger
}

// New builds an Ingestor from its collaborators. events may be nil if no
// downstream subsystem needs PDU-persisted notifications.
func New(store RoomStore, typingStore TypingStore, client FedClient, resolver StateResolver, events EventNotifier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		Store:    store,
		Typing:   typingStore,
		Client:   client,
		Resolver: resolver,
		Events:   events,
		Logger:   logger,
	}
}

// Ingest processes one federation transaction: the EDU pass followed by
// the PDU pass. Validation failures (malformed PDU, unknown room, sender
// not joined, authentication rejection, remote-state fetch failure) are
// recovered into the returned result map per PDU; a store/backend failure
// aborts the transaction and is returned as an error for the HTTP layer
// to turn into a fatal 500.
func (ing *Ingestor) Ingest(ctx context.Context, txn *model.Transaction) (*model.TransactionResult, error) {
	ing.dispatchEDUs(ctx, txn.EDUs)

	result := &model.TransactionResult{PDUs: make(map[model.EventID]model.PDUResult, len(txn.PDUs))}
	for _, raw := range txn.PDUs {
		eventID, outcome, err := ing.ingestPDU(ctx, txn.Origin, raw)
		if err != nil {
			return nil, fmt.Errorf("ingesting pdu %s: %w", eventID, err)
		}
		result.PDUs[eventID] = outcome
	}
	return result, nil
}

// dispatchEDUs applies the transaction's ephemerals. Decode failures are
// logged and skipped; they never abort the transaction.
func (ing *Ingestor) dispatchEDUs(ctx context.Context, edus []model.EDU) {
	for _, edu := range edus {
		switch edu.EDUType {
		case "m.typing":
			var content model.TypingContent
			if err := json.Unmarshal(edu.Content, &content); err != nil {
				ing.Logger.Warn("discarding malformed m.typing edu", slog.String("error", err.Error()))
				continue
			}
			if content.RoomID == "" || content.UserID == "" {
				ing.Logger.Warn("discarding m.typing edu missing required fields")
				continue
			}
			var err error
			if content.Typing {
				err = ing.Typing.Set(ctx, content.RoomID, content.UserID)
			} else {
				err = ing.Typing.Clear(ctx, content.RoomID, content.UserID)
			}
			if err != nil {
				ing.Logger.Warn("failed applying m.typing edu", slog.String("error", err.Error()))
				continue
			}
			if ing.Events != nil {
				ev := eventbus.TypingUpdated{RoomID: content.RoomID, UserID: content.UserID, Typing: content.Typing}
				if err := ing.Events.PublishTypingUpdated(ctx, ev); err != nil {
					ing.Logger.Warn("failed to publish typing-updated event", slog.String("error", err.Error()))
				}
			}
		case "m.presence", "m.receipt":
			// Accepted and discarded.
		default:
			// Unknown EDU types are accepted and discarded.
		}
	}
}

// ingestPDU runs the per-PDU pipeline for one raw PDU from origin. The
// returned error is reserved for store/backend failures; everything
// recoverable lands in the PDUResult.
func (ing *Ingestor) ingestPDU(ctx context.Context, origin string, raw json.RawMessage) (model.EventID, model.PDUResult, error) {
	eventID, obj, err := normalize.PDU(raw)
	if err != nil {
		// No trustworthy event_id could be derived; nothing to key the
		// result map on. Fall back to an empty id so the caller at least
		// sees one extra failed entry rather than silently dropping it.
		ing.Logger.Error("failed to normalize incoming pdu", slog.String("error", err.Error()))
		return "", model.PDUResult{Error: "malformed PDU: " + err.Error()}, nil
	}

	pdu, err := normalize.Typed(eventID, obj)
	if err != nil {
		return eventID, model.PDUResult{Error: "malformed PDU: " + err.Error()}, nil
	}
	roomID := pdu.RoomID

	exists, err := ing.Store.Exists(ctx, roomID)
	if err != nil {
		return eventID, model.PDUResult{}, err
	}
	if !exists {
		ing.Logger.Warn("room does not exist on this server", slog.String("room_id", roomID))
		return eventID, model.PDUResult{Error: "Room is unknown to this server"}, nil
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return eventID, model.PDUResult{Error: "malformed PDU: " + err.Error()}, nil
	}

	theirState, err := ing.fetchRemoteState(ctx, origin, roomID, eventID)
	if err != nil {
		return eventID, model.PDUResult{Error: err.Error()}, nil
	}

	if !pdu.IsState() {
		outcome, err := ing.ingestNonState(ctx, pdu, normalized, theirState)
		return eventID, outcome, err
	}
	outcome, err := ing.ingestState(ctx, pdu, normalized, theirState)
	return eventID, outcome, err
}

// fetchRemoteState fetches the remote's state snapshot for
// (room_id, event_id) and builds their_current_state by merging pdus and
// auth_chain, with each entry's id re-derived via the normalizer.
func (ing *Ingestor) fetchRemoteState(ctx context.Context, origin, roomID string, eventID model.EventID) (map[model.EventID]*model.PDU, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/state/%s?event_id=%s", roomID, eventID)

	var resp getRoomStateResponse
	if err := ing.Client.Send(ctx, "GET", origin, path, nil, &resp); err != nil {
		return nil, err
	}

	theirState := make(map[model.EventID]*model.PDU, len(resp.PDUs)+len(resp.AuthChain))
	for _, raw := range append(append([]json.RawMessage{}, resp.PDUs...), resp.AuthChain...) {
		id, obj, err := normalize.PDU(raw)
		if err != nil {
			continue
		}
		p, err := normalize.Typed(id, obj)
		if err != nil {
			continue
		}
		theirState[id] = p
	}
	return theirState, nil
}

// ingestNonState handles an event with no state_key: membership
// precondition, then placement and persistence.
func (ing *Ingestor) ingestNonState(ctx context.Context, pdu *model.PDU, raw json.RawMessage, theirState map[model.EventID]*model.PDU) (model.PDUResult, error) {
	joined, err := ing.Store.IsJoined(ctx, pdu.Sender, pdu.RoomID)
	if err != nil {
		return model.PDUResult{}, err
	}
	if !joined {
		ing.Logger.Warn("sender is not joined", slog.String("sender", pdu.Sender), slog.String("event_type", pdu.EventType))
		return model.PDUResult{Error: "User is not in this room"}, nil
	}

	return ing.place(ctx, pdu, raw, theirState)
}

// ingestState handles a state event: state resolution against our and
// their current state, accepting only if the resolved state names this
// event. The auth-events map handed to the resolver holds only the PDUs of
// the remote state snapshot; our side contributes its (event_type,
// state_key) -> event_id view but no PDUs.
func (ing *Ingestor) ingestState(ctx context.Context, pdu *model.PDU, raw json.RawMessage, theirState map[model.EventID]*model.PDU) (model.PDUResult, error) {
	ourState, err := ing.Store.RoomStateFull(ctx, pdu.RoomID)
	if err != nil {
		return model.PDUResult{}, err
	}

	theirProjected := make(model.RoomState, len(theirState))
	authEvents := make(map[model.EventID]*model.PDU, len(theirState))
	for id, p := range theirState {
		authEvents[id] = p
		if p.IsState() {
			theirProjected[p.StateTuple()] = id
		}
	}

	resolved, err := ing.Resolver.Resolve(pdu.RoomID, RoomVersion, []model.RoomState{ourState, theirProjected}, authEvents)
	if err != nil {
		return model.PDUResult{Error: err.Error()}, nil
	}

	accepted := false
	for _, id := range resolved {
		if id == pdu.EventID {
			accepted = true
			break
		}
	}
	if !accepted {
		return model.PDUResult{Error: "This event failed authentication, not found in resolved set"}, nil
	}

	result, err := ing.place(ctx, pdu, raw, theirState)
	if err != nil {
		return model.PDUResult{}, err
	}
	if result.OK() {
		if err := ing.Store.SetRoomState(ctx, pdu.RoomID, pdu.EventType, *pdu.StateKey, pdu.EventID); err != nil {
			return model.PDUResult{}, err
		}
	}
	return result, nil
}

// place asks the store's placement oracle for Append/Insert/Unknown,
// allocates or reuses a count, builds the storage key, and persists.
func (ing *Ingestor) place(ctx context.Context, pdu *model.PDU, raw json.RawMessage, theirState map[model.EventID]*model.PDU) (model.PDUResult, error) {
	placement, err := ing.Store.GetClosestParent(ctx, pdu.RoomID, pdu.PrevEvents, theirState)
	if err != nil {
		return model.PDUResult{}, err
	}

	var count uint64
	var insert bool
	switch placement.Kind {
	case model.PlacementAppend:
		count, err = ing.Store.NextCount(ctx)
		if err != nil {
			return model.PDUResult{}, err
		}
	case model.PlacementInsert:
		count = placement.OldCount
		insert = true
	default:
		// The placement oracle found neither a clean append nor a known
		// ancestor to insert after. Surfaced as a per-PDU failure so one
		// unsequenceable event cannot take down the whole transaction.
		return model.PDUResult{Error: "unsequenceable event"}, nil
	}

	pduID, err := ing.Store.AppendPDU(ctx, pdu, raw, count, model.BuildStorageKey(pdu.RoomID, count, insert), insert)
	if err != nil {
		return model.PDUResult{}, err
	}

	if ing.Events != nil {
		ev := eventbus.PDUPersisted{RoomID: pdu.RoomID, EventID: pdu.EventID, PDUID: pduID}
		if err := ing.Events.PublishPDUPersisted(ctx, ev); err != nil {
			ing.Logger.Warn("failed to publish pdu-persisted event", slog.String("event_id", string(pdu.EventID)), slog.String("error", err.Error()))
		}
	}

	return model.PDUResult{}, nil
}
