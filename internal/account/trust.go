package account

import (
	"encoding/json"
	"fmt"
	"slices"
)

// TrustSet is the ordered set of device fingerprints an account trusts. The
// first element is the device used at registration.
type TrustSet []string

func (t TrustSet) Contains(fp string) bool { return slices.Contains(t, fp) }

// Add returns the set with fp appended, and whether it was new.
func (t TrustSet) Add(fp string) (TrustSet, bool) {
	if t.Contains(fp) {
		return t, false
	}
	out := make(TrustSet, len(t), len(t)+1)
	copy(out, t)
	return append(out, fp), true
}

// Registration returns the device trusted at registration, or "".
func (t TrustSet) Registration() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t TrustSet) encode() (string, error) {
	if t == nil {
		t = TrustSet{}
	}
	raw, err := json.Marshal([]string(t))
	if err != nil {
		return "", fmt.Errorf("encode fingerprints: %w", err)
	}
	return string(raw), nil
}

// decodeTrustSet accepts the stored JSON array and, for rows written by hand,
// a bare fingerprint string.
func decodeTrustSet(raw string) (TrustSet, error) {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return TrustSet(list), nil
	}
	var single string
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		return TrustSet{single}, nil
	}
	if raw != "" && raw[0] != '[' && raw[0] != '"' {
		return TrustSet{raw}, nil
	}
	return nil, fmt.Errorf("decode fingerprints: %q", raw)
}
