package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Generate creates a deterministic fingerprint for a map.
// The fingerprint is a SHA256 hash of the canonicalized JSON.
func Generate(data map[string]any) string {
	hash := sha256.Sum256([]byte(canonicalize(data)))
	return hex.EncodeToString(hash[:])
}

// Mention fingerprints the parts of a normalized mention that decide its resolution:
// entity type, normalized key and normalized identifiers. Blank identifiers are left out,
// so a mention without identifiers fingerprints the same as its bare name.
func Mention(m models.NormalizedMention) string {
	return Key(m.EntityType, m.Key, m.Identifiers)
}

// Key builds the same fingerprint from its parts.
func Key(entityType models.EntityType, key string, ids models.Identifiers) string {
	data := map[string]any{
		"entity_type": string(entityType),
		"key":         key,
	}
	idents := map[string]any{}
	for _, kind := range models.IdentifierKinds {
		if v := ids.Get(kind); v != "" {
			idents[string(kind)] = v
		}
	}
	if len(idents) > 0 {
		data["identifiers"] = idents
	}
	return Generate(data)
}

func canonicalize(data any) string {
	var b strings.Builder
	writeCanonical(&b, data)
	return b.String()
}

func writeCanonical(b *strings.Builder, data any) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		raw, _ := json.Marshal(v)
		b.Write(raw)
	}
}
