package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cirnoe/homefed/internal/canonicaljson"
	"github.com/cirnoe/homefed/internal/signing"
)

// PublishServerKeys builds a fresh ServerKey document valid for
// signing.KeyValidityWindow, signs it, and canonicalizes it into the
// string other servers fetch over
// GET /_matrix/key/v2/server. The deprecated
// /_matrix/key/v2/server/<key_id> route serves the same document
// regardless of the key id in the path.
func PublishServerKeys(kp *signing.KeyPair, now time.Time) (string, error) {
	doc, err := kp.ServerKeyDocument(now)
	if err != nil {
		return "", fmt.Errorf("building server key document: %w", err)
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding server key document: %w", err)
	}
	canonical, err := canonicaljson.Encode(asJSON)
	if err != nil {
		return "", fmt.Errorf("canonicalizing server key document: %w", err)
	}
	return string(canonical), nil
}
