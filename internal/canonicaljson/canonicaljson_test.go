package canonicaljson

import "testing"

func TestEncode_SortsKeysAndStripsWhitespace(t *testing.T) {
	in := []byte(`{"b": 2, "a": 1, "c": {"z": true, "y": false}}`)
	want := `{"a":1,"b":2,"c":{"y":false,"z":true}}`

	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(got) != want {
		t.Fatalf("Encode = %s, want %s", got, want)
	}
}

func TestEncode_PreservesIntegers(t *testing.T) {
	in := []byte(`{"count": 42, "origin_server_ts": 1700000000000}`)
	want := `{"count":42,"origin_server_ts":1700000000000}`

	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(got) != want {
		t.Fatalf("Encode = %s, want %s", got, want)
	}
}

func TestEncode_Determinism(t *testing.T) {
	in := []byte(`{"room_id":"!abc:example.org","sender":"@alice:example.org","prev_events":["$a","$b"]}`)

	first, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	second, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("Encode not deterministic: %s != %s", first, second)
	}
}

func TestReferenceHash_StripsSignaturesUnsignedEventID(t *testing.T) {
	withExtras := []byte(`{
		"room_id": "!abc:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.message",
		"content": {"body": "hi"},
		"prev_events": [],
		"auth_events": [],
		"signatures": {"example.org": {"ed25519:1": "deadbeef"}},
		"unsigned": {"age": 100},
		"event_id": "$shouldbeignored"
	}`)
	withoutExtras := []byte(`{
		"room_id": "!abc:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.message",
		"content": {"body": "hi"},
		"prev_events": [],
		"auth_events": []
	}`)

	h1, err := ReferenceHash(withExtras)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	h2, err := ReferenceHash(withoutExtras)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("ReferenceHash should ignore signatures/unsigned/event_id: %s != %s", h1, h2)
	}
}

func TestReferenceHash_Deterministic(t *testing.T) {
	pdu := []byte(`{"room_id":"!abc:example.org","sender":"@alice:example.org","type":"m.room.message","content":{"body":"hi"},"prev_events":[],"auth_events":[]}`)

	h1, err := ReferenceHash(pdu)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	h2, err := ReferenceHash(pdu)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("ReferenceHash not deterministic: %s != %s", h1, h2)
	}
}

func TestReferenceHash_DifferentContentDiffers(t *testing.T) {
	a := []byte(`{"room_id":"!abc:example.org","type":"m.room.message","content":{"body":"hi"}}`)
	b := []byte(`{"room_id":"!abc:example.org","type":"m.room.message","content":{"body":"bye"}}`)

	ha, err := ReferenceHash(a)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	hb, err := ReferenceHash(b)
	if err != nil {
		t.Fatalf("ReferenceHash error: %v", err)
	}
	if ha == hb {
		t.Fatalf("ReferenceHash should differ for different content, both = %s", ha)
	}
}
