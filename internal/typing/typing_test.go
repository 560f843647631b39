package typing

import "testing"

func TestKeyFormat(t *testing.T) {
	got := key("!room:example.org", "@alice:example.org")
	want := "typing:!room:example.org:@alice:example.org"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestKeyPrefixIsPrefixOfKey(t *testing.T) {
	room := "!room:example.org"
	user := "@alice:example.org"
	prefix := keyPrefix(room)
	full := key(room, user)
	if len(full) <= len(prefix) || full[:len(prefix)] != prefix {
		t.Errorf("keyPrefix(%q) = %q is not a prefix of key(...) = %q", room, prefix, full)
	}
}
