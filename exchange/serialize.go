package exchange

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/scrapeloop/idgen"
)

// NewSnapshot builds a Snapshot of html sent under token.
func NewSnapshot(seq uint64, token, action string, html []byte) Snapshot {
	return Snapshot{
		ID:        idgen.New(),
		Seq:       seq,
		Token:     token,
		Action:    action,
		HTML:      html,
		HTMLHash:  HashHTML(html),
		Timestamp: time.Now().UnixMilli(),
	}
}

// MarshalSnapshot serialises a Snapshot to JSON.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot deserialises a Snapshot from JSON.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalExchange serialises an Exchange to JSON.
func MarshalExchange(e *Exchange) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalExchange deserialises an Exchange from JSON.
func UnmarshalExchange(data []byte) (*Exchange, error) {
	var e Exchange
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// HashHTML returns the SHA-256 hex digest of raw HTML bytes.
func HashHTML(html []byte) string {
	h := sha256.Sum256(html)
	return fmt.Sprintf("%x", h)
}
