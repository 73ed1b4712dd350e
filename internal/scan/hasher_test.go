package scan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
)

func TestHashReaderMatchesDirectSum(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 3*hashChunkSize+17)
	want := sha256.Sum256(data)

	got, err := HashReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("hash mismatch: got %s", got)
	}
}

func TestHashReaderEmptyStream(t *testing.T) {
	got, err := HashReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	empty := sha256.Sum256(nil)
	if got != hex.EncodeToString(empty[:]) {
		t.Errorf("empty stream hash: got %s", got)
	}
}

// keepAliveReader interleaves zero-length reads between data chunks, as
// chunked transfer keep-alives do.
type keepAliveReader struct {
	chunks [][]byte
	i      int
	empty  bool
}

func (r *keepAliveReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	if !r.empty {
		r.empty = true
		return 0, nil // keep-alive
	}
	r.empty = false
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func TestHashReaderSkipsKeepAliveChunks(t *testing.T) {
	data := []byte("hello duplicate world")
	want := sha256.Sum256(data)

	r := &keepAliveReader{chunks: [][]byte{data[:5], data[5:12], data[12:]}}
	got, err := HashReader(r)
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("hash mismatch with keep-alive chunks: got %s", got)
	}
}

func TestHashReaderPropagatesReadError(t *testing.T) {
	if _, err := HashReader(io.MultiReader(strings.NewReader("x"), &truncatedReader{read: true})); err == nil {
		t.Error("expected error from truncated stream")
	}
}

func TestHashURLDeterministic(t *testing.T) {
	u := "https://jira.example.com/secure/attachment/42"
	want := sha256.Sum256([]byte(u))
	if got := HashURL(u); got != hex.EncodeToString(want[:]) {
		t.Errorf("HashURL: got %s", got)
	}
	if HashURL(u) != HashURL(u) {
		t.Error("HashURL must be deterministic")
	}
	if HashURL(u) == HashURL(u+"x") {
		t.Error("distinct URLs must not collide trivially")
	}
}
