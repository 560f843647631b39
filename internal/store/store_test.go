package store

import (
	"testing"

	"github.com/cirnoe/homefed/internal/model"
)

func TestPrevEventsMatchTips(t *testing.T) {
	tests := []struct {
		name       string
		prevEvents []model.EventID
		tips       map[model.EventID]bool
		want       bool
	}{
		{
			name:       "single parent matches single tip",
			prevEvents: []model.EventID{"$a"},
			tips:       map[model.EventID]bool{"$a": true},
			want:       true,
		},
		{
			name:       "multiple parents match multiple tips in any order",
			prevEvents: []model.EventID{"$b", "$a"},
			tips:       map[model.EventID]bool{"$a": true, "$b": true},
			want:       true,
		},
		{
			name:       "parent not a tip",
			prevEvents: []model.EventID{"$a"},
			tips:       map[model.EventID]bool{"$b": true},
			want:       false,
		},
		{
			name:       "fewer parents than tips leaves a tip unforked",
			prevEvents: []model.EventID{"$a"},
			tips:       map[model.EventID]bool{"$a": true, "$b": true},
			want:       false,
		},
		{
			name:       "more parents than tips",
			prevEvents: []model.EventID{"$a", "$b"},
			tips:       map[model.EventID]bool{"$a": true},
			want:       false,
		},
		{
			name:       "no tips at all",
			prevEvents: []model.EventID{"$a"},
			tips:       map[model.EventID]bool{},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prevEventsMatchTips(tt.prevEvents, tt.tips)
			if got != tt.want {
				t.Errorf("prevEventsMatchTips(%v, %v) = %v, want %v", tt.prevEvents, tt.tips, got, tt.want)
			}
		})
	}
}

func TestExtendInsertKey(t *testing.T) {
	base := model.BuildStorageKey("!r:x", 17, true)

	first := extendInsertKey(append([]byte{}, base...), 0)
	if string(first) != string(base) {
		t.Errorf("first insertion should keep a single suffix byte, got % x", first)
	}

	second := extendInsertKey(append([]byte{}, base...), 1)
	if len(second) != len(base)+1 || second[len(second)-1] != model.InsertSuffix {
		t.Errorf("second insertion should extend the suffix, got % x", second)
	}

	// Extended keys must still sort between the parent's key and the next
	// count's key, and after the shorter insertion key.
	lower := model.BuildStorageKey("!r:x", 17, false)
	upper := model.BuildStorageKey("!r:x", 18, false)
	if !(string(lower) < string(first) && string(first) < string(second) && string(second) < string(upper)) {
		t.Errorf("insertion keys out of order: % x, % x, % x, % x", lower, first, second, upper)
	}
}

func TestPublicRoomsChunkDefaults(t *testing.T) {
	c := PublicRoomsChunk{RoomID: "!abc:example.org"}
	if c.NumJoinedMembers != 0 {
		t.Errorf("expected zero-value NumJoinedMembers, got %d", c.NumJoinedMembers)
	}
	if c.WorldReadable || c.GuestCanJoin {
		t.Errorf("expected zero-value booleans to default false")
	}
}
