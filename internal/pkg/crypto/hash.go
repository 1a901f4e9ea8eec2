package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// FingerprintAlgoSHA256 is the fingerprint algorithm recorded in the ledger.
const FingerprintAlgoSHA256 = "sha256"

// HashReader fingerprints an upload stream in the same pass that sends it.
type HashReader struct {
	reader io.Reader
	sha256 hash.Hash
	size   int64
}

// NewHashReader wraps r.
func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{reader: r, sha256: sha256.New()}
}

// Read implements io.Reader.
func (h *HashReader) Read(p []byte) (n int, err error) {
	n, err = h.reader.Read(p)
	if n > 0 {
		h.sha256.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

// SHA256 returns the hex digest of the bytes read so far.
func (h *HashReader) SHA256() string {
	return hex.EncodeToString(h.sha256.Sum(nil))
}

// Size returns the number of bytes read so far.
func (h *HashReader) Size() int64 {
	return h.size
}

// ComputeSHA256 computes the hex SHA-256 of data.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateSHA256 reports whether s looks like a hex SHA-256 digest.
func ValidateSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
