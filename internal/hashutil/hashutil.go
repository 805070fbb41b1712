// Package hashutil provides the canonicalization and stable-hash helpers
// shared by every component that needs a reproducible inputs_hash or a
// deterministic traffic-routing hash.
package hashutil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"
)

// InputsHash canonicalizes v (by round-tripping through a key-sorted JSON
// encoding) and returns the first 16 hex characters of its sha256 digest,
// per spec's inputs_hash convention.
func InputsHash(v interface{}) string {
	canon, err := canonicalize(v)
	if err != nil {
		canon = []byte{}
	}
	sum := sha256.Sum256(canon)
	return hex16(sum[:])
}

// canonicalize marshals v through an intermediate map/slice representation
// so that struct field order never affects the digest, only key names and
// values do.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			vb, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

func hex16(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = hexDigits[b[i]>>4]
		out[i*2+1] = hexDigits[b[i]&0xf]
	}
	return string(out)
}

// StableUnit hashes key with sha256 and maps the first 8 bytes of the digest
// to a deterministic value in [0, 1), used by the Policy Router's traffic
// split and as a general "bucket this identifier uniformly" primitive.
func StableUnit(key string) float64 {
	sum := sha256.Sum256([]byte(key))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / (1 << 64)
}
