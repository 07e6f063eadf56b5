package tokencache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// expirySkew treats tokens this close to expiry as already expired.
const expirySkew = 2 * time.Minute

const blobVersion = 1

// Key identifies one cached token.
type Key struct {
	Authority string `json:"authority"`
	Resource  string `json:"resource"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
}

func (k Key) String() string {
	return k.Authority + "|" + k.Resource + "|" + k.ClientID + "|" + k.UserID
}

// Token is the result of a token-endpoint exchange.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	IDToken      string    `json:"id_token,omitempty"`
}

// Valid reports whether the access token can still be presented at now.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(expirySkew).Before(t.ExpiresAt)
}

// Entry is one cached token with its key.
type Entry struct {
	Key   Key   `json:"key"`
	Token Token `json:"token"`
}

type blob struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Serialize encodes entries into the persisted blob format. Entries are
// ordered by key so equal sets encode identically.
func Serialize(entries []Entry) ([]byte, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.String() < sorted[j].Key.String() })
	b, err := json.Marshal(blob{Version: blobVersion, Entries: sorted})
	if err != nil {
		return nil, fmt.Errorf("tokencache: serialize: %w", err)
	}
	return b, nil
}

// Deserialize decodes a blob produced by Serialize.
func Deserialize(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("tokencache: deserialize: %w", err)
	}
	if b.Version != blobVersion {
		return nil, fmt.Errorf("tokencache: unsupported blob version %d", b.Version)
	}
	return b.Entries, nil
}
