package orchestration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itsneelabh/callrelay/core"
)

// DefaultVolatileKeys are argument names that change between otherwise
// identical calls. They are removed at any depth before fingerprinting.
var DefaultVolatileKeys = []string{
	"timestamp",
	"id",
	"created_at",
	"updated_at",
	"session_id",
	"trace_id",
	"request_id",
	"operation_id",
}

// Normalizer canonicalizes call arguments and derives fingerprints.
// Key matching ignores case and underscores, so "createdAt" and "created_at"
// are the same volatile key.
type Normalizer struct {
	volatile map[string]struct{}
}

// NewNormalizer creates a normalizer stripping the given keys, or
// DefaultVolatileKeys when none are given.
func NewNormalizer(keys ...string) *Normalizer {
	if len(keys) == 0 {
		keys = DefaultVolatileKeys
	}
	n := &Normalizer{volatile: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		n.volatile[foldKey(k)] = struct{}{}
	}
	return n
}

var defaultNormalizer = NewNormalizer()

// Fingerprint hashes name and arguments with the default volatile keys.
func Fingerprint(name string, args map[string]interface{}) (string, error) {
	return defaultNormalizer.Fingerprint(name, args)
}

// Normalize returns a copy of args with volatile keys removed at every depth.
// Arguments are first round-tripped through JSON so typed values (structs,
// typed maps) are normalized the same way as decoded JSON.
func (n *Normalizer) Normalize(args map[string]interface{}) (map[string]interface{}, error) {
	if len(args) == 0 {
		return map[string]interface{}{}, nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrUnserializableArguments)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrUnserializableArguments)
	}

	return n.strip(generic).(map[string]interface{}), nil
}

// Fingerprint returns the hex SHA-256 of the canonical encoding of
// {name, normalized arguments}. encoding/json writes map keys sorted, which
// makes the encoding independent of argument order.
func (n *Normalizer) Fingerprint(name string, args map[string]interface{}) (string, error) {
	normalized, err := n.Normalize(args)
	if err != nil {
		return "", err
	}

	canonical, err := json.Marshal(map[string]interface{}{
		"name":      name,
		"arguments": normalized,
	})
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, core.ErrUnserializableArguments)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (n *Normalizer) strip(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if _, drop := n.volatile[foldKey(k)]; drop {
				continue
			}
			out[k] = n.strip(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = n.strip(child)
		}
		return out
	default:
		return v
	}
}

func foldKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}
