package federation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cirnoe/homefed/internal/model"
	"github.com/cirnoe/homefed/internal/signing"
)

func TestPublishServerKeys_VerifiesAndIsCanonical(t *testing.T) {
	kp, err := signing.Generate("example.org")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	now := time.Unix(1700000000, 0)
	raw, err := PublishServerKeys(kp, now)
	if err != nil {
		t.Fatalf("PublishServerKeys: %v", err)
	}

	var doc model.ServerKeyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decoding published document: %v", err)
	}

	ok, err := signing.VerifyServerKeyDocument(&doc)
	if err != nil {
		t.Fatalf("VerifyServerKeyDocument: %v", err)
	}
	if !ok {
		t.Fatal("published server key document did not verify under its own key")
	}

	wantValidUntil := now.Add(signing.KeyValidityWindow).UnixMilli()
	if doc.ValidUntilTS != wantValidUntil {
		t.Errorf("valid_until_ts = %d, want %d", doc.ValidUntilTS, wantValidUntil)
	}
}
