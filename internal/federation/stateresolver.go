// Package federation implements the inbound half of server-to-server
// federation: transaction ingestion, the get_missing_events backfill walk,
// and server key publication, sitting on top of the rooms store, the
// federation client, and an externally supplied state resolution
// algorithm.
package federation

import (
	"fmt"

	"github.com/cirnoe/homefed/internal/model"
)

// StateResolver is the external state-resolution algorithm this server
// consumes but does not implement. Given a room, a room version, two
// conflicting state views, and an auth-events map of the PDUs the caller
// holds for those views, it returns the single authoritative state.
type StateResolver interface {
	Resolve(
		roomID string,
		roomVersion string,
		stateViews []model.RoomState,
		authEvents map[model.EventID]*model.PDU,
	) (model.RoomState, error)
}

// RoomVersion is the room version the ingestor assumes when invoking the
// state resolver.
const RoomVersion = "6"

// StateResolverFunc adapts a plain function to a StateResolver.
type StateResolverFunc func(roomID, roomVersion string, stateViews []model.RoomState, authEvents map[model.EventID]*model.PDU) (model.RoomState, error)

// Resolve calls f.
func (f StateResolverFunc) Resolve(roomID, roomVersion string, stateViews []model.RoomState, authEvents map[model.EventID]*model.PDU) (model.RoomState, error) {
	return f(roomID, roomVersion, stateViews, authEvents)
}

// UnimplementedResolve reports that no state-resolution algorithm is
// wired in. The algorithm body is a separate library a real deployment
// plugs in here. The ingestor calls the resolver for every state event,
// so with this in place every incoming state event is rejected with its
// error; non-state events never reach the resolver and are unaffected.
func UnimplementedResolve(roomID, roomVersion string, stateViews []model.RoomState, authEvents map[model.EventID]*model.PDU) (model.RoomState, error) {
	return nil, fmt.Errorf("no state resolution algorithm configured for room %s (version %s)", roomID, roomVersion)
}
