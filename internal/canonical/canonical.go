// Package canonical produces the RFC 8785 (JCS) byte encoding that every
// event hash and signature is computed over.
//
// Numbers must be integers within the IEEE-754 safe range. Quantities that
// need fractions travel as decimal strings, so every implementation that
// follows RFC 8785 reproduces the same bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every digest produced by this package.
const HashPrefix = "sha256:"

// maxSafeInteger is 2^53-1; larger integers do not survive a double round trip.
const maxSafeInteger = 1<<53 - 1

var (
	ErrNonIntegerNumber = errors.New("non-integer number; use an integer or a decimal string")
	ErrUnsafeInteger    = errors.New("integer outside the safe range; use a decimal string")
	ErrDuplicateKey     = errors.New("duplicate object key")
	ErrNotObject        = errors.New("payload must be a JSON object")
)

// Transform canonicalises raw JSON after checking it against the number and
// key rules.
func Transform(raw []byte) ([]byte, error) {
	if err := check(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Marshal encodes v with encoding/json and canonicalises the result.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return Transform(raw)
}

// Payload canonicalises an event payload and decodes it for schema
// validation. The decoded value keeps numbers as json.Number.
func Payload(raw []byte) ([]byte, map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, ErrNotObject
	}
	out, err := Transform(trimmed)
	if err != nil {
		return nil, nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, doc, nil
}

// Digest returns "sha256:" followed by the lowercase hex SHA-256 of the
// concatenated parts.
func Digest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalises v and digests the result.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// ValidHash reports whether s has the "sha256:<64 hex>" form.
func ValidHash(s string) bool {
	if !strings.HasPrefix(s, HashPrefix) {
		return false
	}
	hexPart := s[len(HashPrefix):]
	if len(hexPart) != sha256.Size*2 {
		return false
	}
	for _, c := range hexPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// check walks the token stream looking for floats, unsafe integers and
// duplicate keys, none of which JCS itself rejects.
func check(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := walk(dec); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("canonicalize: trailing data after JSON value")
	}
	return nil
}

func walk(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			seen := make(map[string]struct{})
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return fmt.Errorf("canonicalize: %w", err)
				}
				key := keyTok.(string)
				if _, dup := seen[key]; dup {
					return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
				}
				seen[key] = struct{}{}
				if err := walk(dec); err != nil {
					return err
				}
			}
			_, err = dec.Token()
		case '[':
			for dec.More() {
				if err := walk(dec); err != nil {
					return err
				}
			}
			_, err = dec.Token()
		}
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
	case json.Number:
		return checkNumber(v)
	}
	return nil
}

func checkNumber(n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return fmt.Errorf("%w: %s", ErrNonIntegerNumber, s)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNonIntegerNumber, s)
	}
	if i.CmpAbs(big.NewInt(maxSafeInteger)) > 0 {
		return fmt.Errorf("%w: %s", ErrUnsafeInteger, s)
	}
	return nil
}
