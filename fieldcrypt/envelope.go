package fieldcrypt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// FormatV1 is the only envelope format written today.
const FormatV1 = 1

var (
	// ErrMalformedEnvelope is returned when an envelope cannot be parsed.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnsupportedFormat is returned for envelope formats this build cannot read.
	ErrUnsupportedFormat = errors.New("unsupported envelope format")
)

// Envelope is the self-describing structure wrapping one encrypted value.
// On the wire it is standard base64 over the compact JSON
// {"v":<format>,"ver":<key version>,"nonce":<b64>,"ct":<b64 ciphertext||tag>}.
type Envelope struct {
	Format     int    `json:"v"`
	KeyVersion int    `json:"ver"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// Marshal encodes the envelope into its opaque string form.
func (e *Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ParseEnvelope decodes the opaque string form. An envelope without a key
// version was written under version 1.
func ParseEnvelope(s string) (*Envelope, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedEnvelope)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	switch env.Format {
	case FormatV1:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, env.Format)
	}
	if env.KeyVersion == 0 {
		env.KeyVersion = 1
	}
	if env.KeyVersion < 0 {
		return nil, fmt.Errorf("%w: key version %d", ErrMalformedEnvelope, env.KeyVersion)
	}
	return &env, nil
}

// EmbeddedVersion returns the key version recorded in an envelope.
func EmbeddedVersion(envelope string) (int, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return 0, err
	}
	return env.KeyVersion, nil
}
