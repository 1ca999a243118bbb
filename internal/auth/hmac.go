package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mdmd.sh/internal/merrors"
)

// Signer produces and verifies the HMAC-SHA256 signatures that protect
// push commands and the admin bulk-command endpoint.
type Signer struct {
	secret []byte
}

// NewSigner wraps the server HMAC secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignCommand signs the push payload the agent verifies before executing
// any side-effecting action. The message is
// request_id:device_id:action:timestamp with the timestamp in unix seconds.
func (s *Signer) SignCommand(requestID, deviceID, action string, unixTS int64) string {
	msg := fmt.Sprintf("%s:%s:%s:%d", requestID, deviceID, action, unixTS)
	return s.sign([]byte(msg))
}

// VerifyCommand checks an agent-presented command signature.
func (s *Signer) VerifyCommand(requestID, deviceID, action string, unixTS int64, signature string) bool {
	expected := s.SignCommand(requestID, deviceID, action, unixTS)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignAdminCommand signs an admin bulk-command request. The message is
// join(device_ids, ",") + ":" + command_type + ":" + canonical JSON of the
// parameters map. Canonicalization is sorted-keys compact JSON so both
// sides produce byte-identical input regardless of map iteration order.
func (s *Signer) SignAdminCommand(deviceIDs []string, commandType string, parameters map[string]any) (string, error) {
	canonical, err := CanonicalJSON(parameters)
	if err != nil {
		return "", err
	}
	msg := strings.Join(deviceIDs, ",") + ":" + commandType + ":" + canonical
	return s.sign([]byte(msg)), nil
}

// VerifyAdminCommand checks the signature submitted with a bulk command.
func (s *Signer) VerifyAdminCommand(deviceIDs []string, commandType string, parameters map[string]any, signature string) error {
	expected, err := s.SignAdminCommand(deviceIDs, commandType, parameters)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return merrors.New(merrors.ErrCodeUnauthenticated, "command signature mismatch")
	}
	return nil
}

func (s *Signer) sign(msg []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalJSON renders a parameters map as compact JSON with
// lexicographically sorted keys. Nested maps are canonicalized
// recursively; arrays keep their order.
func CanonicalJSON(v map[string]any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeInvalidInput, "canonicalizing parameters")
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(encoded)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(encoded)
		return nil
	}
}
