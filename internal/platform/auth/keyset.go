package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// HMACKeyset holds every key that may verify a token. New tokens are signed
// with ActiveKID, so keys can be rotated without invalidating sessions.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

func (k HMACKeyset) active() ([]byte, error) {
	secret, ok := k.Keys[k.ActiveKID]
	if !ok || len(secret) == 0 {
		return nil, fmt.Errorf("active kid %q has no key", k.ActiveKID)
	}
	return secret, nil
}

// ParseHMACKeyset builds a keyset from a single legacy secret and/or a list of
// "kid:secret" pairs separated by commas. The legacy secret is stored under
// the "default" kid.
func ParseHMACKeyset(secret, pairs, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	if s := strings.TrimSpace(secret); s != "" {
		keys["default"] = []byte(s)
	}
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, key, ok := strings.Cut(pair, ":")
		kid, key = strings.TrimSpace(kid), strings.TrimSpace(key)
		if !ok || kid == "" || key == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt key entry %q", pair)
		}
		keys[kid] = []byte(key)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset is empty")
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		active = "default"
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	pairs := make([]string, 0, len(f.Keys))
	for kid, secret := range f.Keys {
		if strings.TrimSpace(kid) == "" || strings.TrimSpace(secret) == "" {
			continue
		}
		pairs = append(pairs, kid+":"+secret)
	}
	if len(pairs) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	return ParseHMACKeyset("", strings.Join(pairs, ","), f.ActiveKID)
}
