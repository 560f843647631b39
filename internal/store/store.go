// Package store is the Postgres-backed rooms/events store: room existence
// and membership checks, the closest-ancestor placement oracle, full room
// state, raw PDU lookup for backfill, PDU persistence with tip-set
// maintenance, and the monotonic event counter.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cirnoe/homefed/internal/model"
)

// Store is the Postgres-backed rooms/events store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Exists reports whether roomID is known to this server.
func (s *Store) Exists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking room existence for %s: %w", roomID, err)
	}
	return exists, nil
}

// EnsureRoom registers roomID as known to this server if it isn't
// already, so an operator (or a future join handshake) can seed a room
// this server participates in.
func (s *Store) EnsureRoom(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rooms (room_id) VALUES ($1) ON CONFLICT DO NOTHING`, roomID)
	if err != nil {
		return fmt.Errorf("ensuring room %s: %w", roomID, err)
	}
	return nil
}

// IsJoined reports whether userID currently has "join" membership in
// roomID.
func (s *Store) IsJoined(ctx context.Context, userID, roomID string) (bool, error) {
	var membership string
	err := s.pool.QueryRow(ctx,
		`SELECT membership FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&membership)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership of %s in %s: %w", userID, roomID, err)
	}
	return membership == "join", nil
}

// SetMembership records userID's membership in roomID. The ingestor does
// not call it: accepting an m.room.member state event does not update this
// table.
func (s *Store) SetMembership(ctx context.Context, roomID, userID, membership string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id, membership) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET membership = EXCLUDED.membership
	`, roomID, userID, membership)
	if err != nil {
		return fmt.Errorf("setting membership of %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// GetClosestParent is the placement oracle: given a PDU's prev_events,
// decide whether it extends the current tip (Append), slots in right after
// a known but non-tip parent (Insert), or cannot be placed at all from
// local knowledge (Unknown).
//
// theirState is the remote server's state view fetched alongside this
// PDU; it is consulted only as a hint that a prev_events entry names a
// real, known-elsewhere event; it cannot by itself supply a local
// ordering for an event this server has never stored.
func (s *Store) GetClosestParent(ctx context.Context, roomID string, prevEvents []model.EventID, theirState map[model.EventID]*model.PDU) (model.Placement, error) {
	if len(prevEvents) == 0 {
		return model.Placement{Kind: model.PlacementUnknown}, nil
	}

	tips, err := s.tips(ctx, roomID)
	if err != nil {
		return model.Placement{}, err
	}

	if prevEventsMatchTips(prevEvents, tips) {
		return model.Placement{Kind: model.PlacementAppend}, nil
	}

	// Not a clean append: see if any parent is a known, already-persisted
	// (non-tip) event. If so, this PDU slots in right after it.
	for _, parent := range prevEvents {
		count, ok, err := s.eventCount(ctx, parent)
		if err != nil {
			return model.Placement{}, err
		}
		if ok {
			return model.Placement{Kind: model.PlacementInsert, OldCount: count}, nil
		}
	}

	// None of the parents are stored locally. If the remote's accompanying
	// state view at least names them, this PDU is reachable only via
	// backfill, not insertable now; either way this core cannot place it.
	for _, parent := range prevEvents {
		if _, ok := theirState[parent]; ok {
			return model.Placement{Kind: model.PlacementUnknown}, nil
		}
	}

	return model.Placement{Kind: model.PlacementUnknown}, nil
}

func prevEventsMatchTips(prevEvents []model.EventID, tips map[model.EventID]bool) bool {
	if len(tips) == 0 || len(prevEvents) != len(tips) {
		return false
	}
	for _, id := range prevEvents {
		if !tips[id] {
			return false
		}
	}
	return true
}

func (s *Store) tips(ctx context.Context, roomID string) (map[model.EventID]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id FROM room_tips WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("loading tips for %s: %w", roomID, err)
	}
	defer rows.Close()

	tips := make(map[model.EventID]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tip row for %s: %w", roomID, err)
		}
		tips[model.EventID(id)] = true
	}
	return tips, rows.Err()
}

func (s *Store) eventCount(ctx context.Context, eventID model.EventID) (uint64, bool, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT event_count FROM pdus WHERE event_id = $1`, string(eventID)).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up event count for %s: %w", eventID, err)
	}
	return uint64(count), true, nil
}

// RoomStateFull loads this server's current resolved state for roomID.
func (s *Store) RoomStateFull(ctx context.Context, roomID string) (model.RoomState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, state_key, event_id FROM room_state WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("loading room state for %s: %w", roomID, err)
	}
	defer rows.Close()

	state := make(model.RoomState)
	for rows.Next() {
		var eventType, stateKey, eventID string
		if err := rows.Scan(&eventType, &stateKey, &eventID); err != nil {
			return nil, fmt.Errorf("scanning room state row for %s: %w", roomID, err)
		}
		state[model.StateKeyTuple{EventType: eventType, StateKey: stateKey}] = model.EventID(eventID)
	}
	return state, rows.Err()
}

// SetRoomState overwrites roomID's (event_type, state_key) -> event_id
// slot, called once the ingestor's state resolution (or, for a non-conflicting
// state event, direct acceptance) settles on event_id as authoritative.
func (s *Store) SetRoomState(ctx context.Context, roomID, eventType, stateKey string, eventID model.EventID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_state (room_id, event_type, state_key, event_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET event_id = EXCLUDED.event_id
	`, roomID, eventType, stateKey, string(eventID))
	if err != nil {
		return fmt.Errorf("setting room state %s/%s/%s: %w", roomID, eventType, stateKey, err)
	}
	return nil
}

// GetPDUJSON returns the raw canonical JSON object of a previously
// stored PDU. ok is false if the event is not stored locally.
func (s *Store) GetPDUJSON(ctx context.Context, eventID model.EventID) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT raw FROM pdus WHERE event_id = $1`, string(eventID)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading PDU JSON for %s: %w", eventID, err)
	}
	return json.RawMessage(raw), true, nil
}

// NextCount allocates the next value of the server-wide monotonic event
// counter. Backed by a Postgres sequence so allocation is serialized
// across concurrent transactions without an application-level lock.
func (s *Store) NextCount(ctx context.Context) (uint64, error) {
	var next int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('homefed_event_counter')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocating next event count: %w", err)
	}
	return uint64(next), nil
}

// extendInsertKey lengthens an insertion storage key by one suffix byte
// per insertion already occupying the same count, so successive
// insertions between the same pair of events get distinct keys that still
// sort between the parent's key and the next count's key.
func extendInsertKey(pduID []byte, priorInserts int) []byte {
	for i := 0; i < priorInserts; i++ {
		pduID = append(pduID, model.InsertSuffix)
	}
	return pduID
}

// AppendPDU persists a normalized PDU at the storage key derived from count
// and insert, and updates the room's tip set: the PDU's prev_events are
// removed from the tip set (they now have a known child) and, when this is
// a tip-extending append (not a mid-graph insert), the new event becomes a
// tip itself. For an insertion, the key is extended with one suffix byte
// per insertion already sharing the count; the storage key actually used
// is returned. Re-appending an already-stored event_id is a no-op.
func (s *Store) AppendPDU(ctx context.Context, pdu *model.PDU, raw json.RawMessage, count uint64, pduID []byte, insert bool) ([]byte, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if insert {
		var priorInserts int
		appendKey := model.BuildStorageKey(pdu.RoomID, count, false)
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM pdus WHERE room_id = $1 AND event_count = $2 AND pdu_id > $3`,
			pdu.RoomID, int64(count), appendKey,
		).Scan(&priorInserts)
		if err != nil {
			return nil, fmt.Errorf("counting prior insertions at count %d: %w", count, err)
		}
		pduID = extendInsertKey(pduID, priorInserts)
	}

	prevEventsJSON, err := json.Marshal(pdu.PrevEvents)
	if err != nil {
		return nil, fmt.Errorf("encoding prev_events: %w", err)
	}
	authEventsJSON, err := json.Marshal(pdu.AuthEvents)
	if err != nil {
		return nil, fmt.Errorf("encoding auth_events: %w", err)
	}

	var stateKey *string
	if pdu.StateKey != nil {
		stateKey = pdu.StateKey
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO pdus (event_id, room_id, pdu_id, sender, event_type, state_key,
			prev_events, auth_events, content, origin_server_ts, raw, event_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`, string(pdu.EventID), pdu.RoomID, pduID, pdu.Sender, pdu.EventType, stateKey,
		prevEventsJSON, authEventsJSON, []byte(pdu.Content), pdu.OriginTS, []byte(raw), int64(count))
	if err != nil {
		return nil, fmt.Errorf("inserting PDU %s: %w", pdu.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already stored: leave the tip set untouched and report the key
		// the event was first stored under.
		var storedID []byte
		if err := tx.QueryRow(ctx, `SELECT pdu_id FROM pdus WHERE event_id = $1`, string(pdu.EventID)).Scan(&storedID); err != nil {
			return nil, fmt.Errorf("loading stored key of %s: %w", pdu.EventID, err)
		}
		return storedID, nil
	}

	for _, parent := range pdu.PrevEvents {
		if _, err := tx.Exec(ctx, `DELETE FROM room_tips WHERE room_id = $1 AND event_id = $2`,
			pdu.RoomID, string(parent)); err != nil {
			return nil, fmt.Errorf("retiring tip %s: %w", parent, err)
		}
	}
	if !insert {
		if _, err := tx.Exec(ctx, `
			INSERT INTO room_tips (room_id, event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, pdu.RoomID, string(pdu.EventID)); err != nil {
			return nil, fmt.Errorf("recording tip %s: %w", pdu.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing append of %s: %w", pdu.EventID, err)
	}
	return pduID, nil
}

// Displayname returns userID's profile display name, backing the
// GET /_matrix/federation/v1/query/profile passthrough.
func (s *Store) Displayname(ctx context.Context, userID string) (string, bool, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT displayname FROM profiles WHERE user_id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) || name == "" {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading displayname for %s: %w", userID, err)
	}
	return name, true, nil
}

// AvatarURL returns userID's profile avatar URL.
func (s *Store) AvatarURL(ctx context.Context, userID string) (string, bool, error) {
	var url string
	err := s.pool.QueryRow(ctx, `SELECT avatar_url FROM profiles WHERE user_id = $1`, userID).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) || url == "" {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading avatar_url for %s: %w", userID, err)
	}
	return url, true, nil
}

// PublicRoomsChunk is one entry of the publicRooms directory response.
type PublicRoomsChunk struct {
	RoomID           string `json:"room_id"`
	Name             string `json:"name,omitempty"`
	Topic            string `json:"topic,omitempty"`
	CanonicalAlias   string `json:"canonical_alias,omitempty"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	NumJoinedMembers int    `json:"num_joined_members"`
	WorldReadable    bool   `json:"world_readable"`
	GuestCanJoin     bool   `json:"guest_can_join"`
}

// PublicRooms lists up to limit published rooms, optionally filtered by a
// case-insensitive substring of the room name or topic and/or a
// third-party network. The canonical alias is not searched.
func (s *Store) PublicRooms(ctx context.Context, searchTerm, network string, limit int) ([]PublicRoomsChunk, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, COALESCE(name,''), COALESCE(topic,''), COALESCE(canonical_alias,''),
			COALESCE(avatar_url,''), num_joined_members, world_readable, guest_can_join
		FROM public_rooms
		WHERE ($1 = '' OR network = $1)
		AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR topic ILIKE '%' || $2 || '%')
		ORDER BY num_joined_members DESC
		LIMIT $3
	`, network, searchTerm, limit)
	if err != nil {
		return nil, fmt.Errorf("listing public rooms: %w", err)
	}
	defer rows.Close()

	var chunks []PublicRoomsChunk
	for rows.Next() {
		var c PublicRoomsChunk
		if err := rows.Scan(&c.RoomID, &c.Name, &c.Topic, &c.CanonicalAlias, &c.AvatarURL,
			&c.NumJoinedMembers, &c.WorldReadable, &c.GuestCanJoin); err != nil {
			return nil, fmt.Errorf("scanning public room row: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
