package signing

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cirnoe/homefed/internal/model"
)

func TestGenerate_ProducesUsableKeyPair(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if kp.KeyID != "ed25519:1" {
		t.Errorf("KeyID = %q, want ed25519:1", kp.KeyID)
	}
	if len(kp.Public) == 0 || len(kp.Private) == 0 {
		t.Fatal("Generate did not populate public/private key material")
	}
}

func TestSaveLoad_RoundTripsPrivateKey(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "signing.key")
	if err := kp.Save(path); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.ServerName != kp.ServerName {
		t.Errorf("ServerName = %q, want %q", loaded.ServerName, kp.ServerName)
	}
	if loaded.KeyID != kp.KeyID {
		t.Errorf("KeyID = %q, want %q", loaded.KeyID, kp.KeyID)
	}
	if !loaded.Private.Equal(kp.Private) {
		t.Error("loaded private key does not match saved private key")
	}
	if !loaded.Public.Equal(kp.Public) {
		t.Error("loaded public key does not match saved public key")
	}
}

func TestLoadOrGenerate_PersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	first, err := LoadOrGenerate(path, "origin.example.org")
	if err != nil {
		t.Fatalf("LoadOrGenerate error: %v", err)
	}
	second, err := LoadOrGenerate(path, "origin.example.org")
	if err != nil {
		t.Fatalf("LoadOrGenerate (second call) error: %v", err)
	}
	if !first.Private.Equal(second.Private) {
		t.Error("LoadOrGenerate generated a new key on the second call instead of loading the first")
	}
}

func TestSignRequest_HeaderShapeAndVerifiability(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	headers, err := kp.SignRequest(Envelope{
		Method:      "put",
		URI:         "/_matrix/federation/v1/send/txn1",
		Origin:      "origin.example.org",
		Destination: "destination.example.org",
		Content:     []byte(`{"pdus":[],"edus":[]}`),
	})
	if err != nil {
		t.Fatalf("SignRequest error: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("got %d header values, want 1", len(headers))
	}

	header := headers[0]
	if !strings.HasPrefix(header, "X-Matrix origin=origin.example.org,key=\"ed25519:1\",sig=\"") {
		t.Fatalf("unexpected header shape: %s", header)
	}
}

func TestSignRequest_MethodIsUppercased(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	lower, err := kp.SignRequest(Envelope{Method: "get", URI: "/x", Origin: "o", Destination: "d"})
	if err != nil {
		t.Fatalf("SignRequest error: %v", err)
	}
	upper, err := kp.SignRequest(Envelope{Method: "GET", URI: "/x", Origin: "o", Destination: "d"})
	if err != nil {
		t.Fatalf("SignRequest error: %v", err)
	}
	if lower[0] != upper[0] {
		t.Fatalf("signing envelope is sensitive to method case: %q != %q", lower[0], upper[0])
	}
}

func TestSignRequest_OmitsContentWhenEmpty(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	withNil, err := kp.SignRequest(Envelope{Method: "GET", URI: "/x", Origin: "o", Destination: "d"})
	if err != nil {
		t.Fatalf("SignRequest error: %v", err)
	}
	withEmpty, err := kp.SignRequest(Envelope{Method: "GET", URI: "/x", Origin: "o", Destination: "d", Content: []byte{}})
	if err != nil {
		t.Fatalf("SignRequest error: %v", err)
	}
	if withNil[0] != withEmpty[0] {
		t.Fatalf("nil and empty Content should sign identically: %q != %q", withNil[0], withEmpty[0])
	}
}

func TestServerKeyDocument_SignsAndVerifies(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	doc, err := kp.ServerKeyDocument(now)
	if err != nil {
		t.Fatalf("ServerKeyDocument error: %v", err)
	}
	if doc.ServerName != "origin.example.org" {
		t.Errorf("ServerName = %q, want origin.example.org", doc.ServerName)
	}
	wantValidUntil := now.Add(KeyValidityWindow).UnixMilli()
	if doc.ValidUntilTS != wantValidUntil {
		t.Errorf("ValidUntilTS = %d, want %d", doc.ValidUntilTS, wantValidUntil)
	}

	valid, err := VerifyServerKeyDocument(doc)
	if err != nil {
		t.Fatalf("VerifyServerKeyDocument error: %v", err)
	}
	if !valid {
		t.Error("server's own signature should verify under its own verify key")
	}
}

func TestVerifyServerKeyDocument_RejectsTamperedValidity(t *testing.T) {
	kp, err := Generate("origin.example.org")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	doc, err := kp.ServerKeyDocument(time.Unix(1_700_000_000, 0).UTC())
	if err != nil {
		t.Fatalf("ServerKeyDocument error: %v", err)
	}
	doc.ValidUntilTS += 1000

	valid, err := VerifyServerKeyDocument(doc)
	if err != nil {
		t.Fatalf("VerifyServerKeyDocument error: %v", err)
	}
	if valid {
		t.Error("tampering with valid_until_ts should invalidate the signature")
	}
}

func TestVerifyServerKeyDocument_NoVerifyKeys(t *testing.T) {
	_, err := VerifyServerKeyDocument(&model.ServerKeyDocument{ServerName: "origin.example.org"})
	if err == nil {
		t.Fatal("expected error for a document with no verify_keys entry")
	}
}
