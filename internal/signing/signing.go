// Package signing owns the server's federation identity: loading the
// Ed25519 keypair, building the canonical signing envelope for outgoing
// requests, producing X-Matrix Authorization headers, and signing the
// published server key document.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cirnoe/homefed/internal/canonicaljson"
	"github.com/cirnoe/homefed/internal/model"
)

// KeyValidityWindow is how long a ServerKeyDocument remains valid after
// issuance.
const KeyValidityWindow = 120 * time.Second

// RequestTimeout is the per-request deadline for outbound federation
// requests.
const RequestTimeout = 30 * time.Second

// KeyPair holds the local server's identity and Ed25519 signing key.
type KeyPair struct {
	ServerName model.ServerName
	KeyID      string // "ed25519:<version>"
	Public     ed25519.PublicKey
	Private    ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair for serverName with key version
// "1". Use Save to persist it.
func Generate(serverName model.ServerName) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return &KeyPair{
		ServerName: serverName,
		KeyID:      "ed25519:1",
		Public:     pub,
		Private:    priv,
	}, nil
}

// Save writes the keypair's private key to path as a PKCS8 PEM block,
// with the key id and server name carried as PEM headers.
func (k *KeyPair) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{
		Type:    "PRIVATE KEY",
		Headers: map[string]string{"Key-Id": k.KeyID, "Server-Name": string(k.ServerName)},
		Bytes:   der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("writing signing key to %s: %w", path, err)
	}
	return nil
}

// Load reads a keypair previously written by Save.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not a valid PEM file", path)
	}

	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %s: %w", path, err)
	}
	priv, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not Ed25519", path)
	}

	keyID := block.Headers["Key-Id"]
	if keyID == "" {
		keyID = "ed25519:1"
	}

	return &KeyPair{
		ServerName: model.ServerName(block.Headers["Server-Name"]),
		KeyID:      keyID,
		Public:     priv.Public().(ed25519.PublicKey),
		Private:    priv,
	}, nil
}

// LoadOrGenerate loads the keypair at path, generating and persisting a new
// one for serverName if the file does not exist yet.
func LoadOrGenerate(path string, serverName model.ServerName) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking signing key %s: %w", path, err)
	}

	kp, err := Generate(serverName)
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// Envelope is the canonical signing object built for one outgoing
// request: exactly {method, uri, origin, destination[, content]}, with
// content omitted when the body is empty.
type Envelope struct {
	Method      string
	URI         string
	Origin      string
	Destination string
	Content     []byte // nil/empty means omit "content" entirely
}

// SignRequest signs an outgoing federation request and returns the
// Authorization header value(s) to attach — one per signature entry, in
// the form `X-Matrix origin=<name>,key="<key_id>",sig="<base64-sig>"`. The
// request body itself is returned unchanged by the caller; it is not
// included in the header.
func (k *KeyPair) SignRequest(env Envelope) ([]string, error) {
	obj := map[string]interface{}{
		"method":      strings.ToUpper(env.Method),
		"uri":         env.URI,
		"origin":      env.Origin,
		"destination": env.Destination,
	}
	if len(env.Content) > 0 {
		content, err := decodeContent(env.Content)
		if err != nil {
			return nil, fmt.Errorf("decoding request content: %w", err)
		}
		obj["content"] = content
	}

	canonical, err := canonicaljson.EncodeValue(obj)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing signing envelope: %w", err)
	}

	sig := ed25519.Sign(k.Private, canonical)
	sigB64 := base64.RawStdEncoding.EncodeToString(sig)

	header := fmt.Sprintf("X-Matrix origin=%s,key=%q,sig=%q", env.Origin, k.KeyID, sigB64)
	return []string{header}, nil
}

// ServerKeyDocument builds and signs a fresh ServerKey document, valid
// for KeyValidityWindow from now.
func (k *KeyPair) ServerKeyDocument(now time.Time) (*model.ServerKeyDocument, error) {
	doc := &model.ServerKeyDocument{
		ServerName: string(k.ServerName),
		VerifyKeys: map[string]model.VerifyKeyEntry{
			k.KeyID: {Key: base64.RawStdEncoding.EncodeToString(k.Public)},
		},
		ValidUntilTS: now.Add(KeyValidityWindow).UnixMilli(),
	}

	unsigned := map[string]interface{}{
		"server_name": doc.ServerName,
		"verify_keys": map[string]interface{}{
			k.KeyID: map[string]interface{}{"key": doc.VerifyKeys[k.KeyID].Key},
		},
		"valid_until_ts": doc.ValidUntilTS,
	}
	canonical, err := canonicaljson.EncodeValue(unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing server key document: %w", err)
	}

	sig := ed25519.Sign(k.Private, canonical)
	doc.Signatures = map[string]map[string]string{
		string(k.ServerName): {
			k.KeyID: base64.RawStdEncoding.EncodeToString(sig),
		},
	}
	return doc, nil
}

// VerifyServerKeyDocument checks doc's signature under its own verify key,
// used by tests and by callers that want to confirm a published document
// verifies under the server's own public key.
func VerifyServerKeyDocument(doc *model.ServerKeyDocument) (bool, error) {
	entry, ok := firstVerifyKey(doc)
	if !ok {
		return false, fmt.Errorf("server key document has no verify_keys entry")
	}
	pubBytes, err := base64.RawStdEncoding.DecodeString(entry.key)
	if err != nil {
		return false, fmt.Errorf("decoding verify key: %w", err)
	}

	sigEntries, ok := doc.Signatures[doc.ServerName]
	if !ok {
		return false, fmt.Errorf("no signature from %s on its own key document", doc.ServerName)
	}
	sigB64, ok := sigEntries[entry.keyID]
	if !ok {
		return false, fmt.Errorf("no signature under key id %s", entry.keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}

	unsigned := map[string]interface{}{
		"server_name": doc.ServerName,
		"verify_keys": map[string]interface{}{
			entry.keyID: map[string]interface{}{"key": entry.key},
		},
		"valid_until_ts": doc.ValidUntilTS,
	}
	canonical, err := canonicaljson.EncodeValue(unsigned)
	if err != nil {
		return false, fmt.Errorf("canonicalizing server key document: %w", err)
	}

	return ed25519.Verify(ed25519.PublicKey(pubBytes), canonical, sig), nil
}

type verifyKey struct {
	keyID string
	key   string
}

func firstVerifyKey(doc *model.ServerKeyDocument) (verifyKey, bool) {
	for id, entry := range doc.VerifyKeys {
		return verifyKey{keyID: id, key: entry.Key}, true
	}
	return verifyKey{}, false
}

// decodeContent decodes a JSON request body into a plain interface{} tree
// using json.Number, so the signing envelope preserves integer literals
// exactly as canonicaljson.EncodeValue expects.
func decodeContent(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
