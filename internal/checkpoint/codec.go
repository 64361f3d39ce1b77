package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EnvelopeVersion is the payload format written by this build.
const EnvelopeVersion = 1

const checksumPrefix = "sha256:"

// envelope wraps the raw checkpoint bytes so the checksum covers exactly what
// was written, including fields unknown to older readers.
type envelope struct {
	Version    int             `json:"version"`
	Checksum   string          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

// Encode serializes cp into a versioned, checksummed envelope.
func Encode(cp *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return json.Marshal(envelope{
		Version:    EnvelopeVersion,
		Checksum:   checksum(raw),
		Checkpoint: raw,
	})
}

// Decode parses an envelope and verifies its checksum.
func Decode(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrCorrupt, err)
	}
	if env.Version < 1 {
		return nil, fmt.Errorf("%w: missing envelope version", ErrCorrupt)
	}
	if len(env.Checkpoint) == 0 {
		return nil, fmt.Errorf("%w: empty checkpoint body", ErrCorrupt)
	}
	if !strings.HasPrefix(env.Checksum, checksumPrefix) {
		return nil, fmt.Errorf("%w: unsupported checksum %q", ErrCorrupt, env.Checksum)
	}
	if got := checksum(env.Checkpoint); got != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var cp Checkpoint
	if err := json.Unmarshal(env.Checkpoint, &cp); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrCorrupt, err)
	}
	return &cp, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return checksumPrefix + hex.EncodeToString(sum[:])
}
