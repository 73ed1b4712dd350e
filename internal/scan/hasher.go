package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// hashChunkSize is the read granularity for streaming hashes. Downloads are
// never buffered beyond one chunk per worker.
const hashChunkSize = 8 * 1024

// HashReader computes the SHA-256 of everything in r, reading in
// hashChunkSize chunks. Zero-length reads (keep-alive chunks on chunked
// transfers) are skipped. The reader is drained exactly once.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashURL computes the SHA-256 of the content URL string. Used as a
// deterministic stand-in when the bytes cannot or should not be fetched.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
