package cabinet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

// BlobKind is the type of a single JCat item blob.
type BlobKind string

const (
	BlobSHA256 BlobKind = "sha256"
	BlobSHA512 BlobKind = "sha512"
	BlobPKCS7  BlobKind = "pkcs7"
	BlobGPG    BlobKind = "gpg"
)

// DigestPair is the "target" subobject a signature blob may carry: it lets
// a signature be computed over another item's digest pair instead of the
// raw payload bytes ("indirect" trust).
type DigestPair struct {
	SHA256 string `json:"sha256,omitempty"`
	SHA512 string `json:"sha512,omitempty"`
}

// Checksum is a plain digest blob.
type Checksum struct {
	Kind  BlobKind `json:"kind"`
	Value string   `json:"value"` // hex
}

// Signature is a detached-signature blob, optionally indirect via Target.
type Signature struct {
	Kind   BlobKind    `json:"kind"`
	Value  string      `json:"value"` // base64
	Target *DigestPair `json:"target,omitempty"`
}

// Item is one line of the JCat bundle: every checksum/signature asserted
// for a single archive basename.
type Item struct {
	ID         string      `json:"id"`
	Checksums  []Checksum  `json:"checksums,omitempty"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// Bundle is a parsed firmware.jcat: one Item per covered basename.
type Bundle struct {
	Items map[string]*Item
}

// ParseBundle decodes a newline-delimited JSON JCat bundle.
func ParseBundle(raw []byte) (*Bundle, error) {
	b := &Bundle{Items: make(map[string]*Item)}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var it Item
		if err := json.Unmarshal(line, &it); err != nil {
			return nil, fwerr.New(fwerr.KindInvalidData, "jcat line %d: %v", lineNo, err)
		}
		if it.ID == "" {
			return nil, fwerr.New(fwerr.KindInvalidData, "jcat line %d: missing id", lineNo)
		}
		b.Items[it.ID] = &it
	}
	if err := sc.Err(); err != nil {
		return nil, fwerr.Wrap(fwerr.KindInvalidData, err)
	}
	return b, nil
}

// Marshal serializes the bundle back to newline-delimited JSON, one line
// per item, sorted for deterministic output.
func (b *Bundle) Marshal() ([]byte, error) {
	var out bytes.Buffer
	ids := make([]string, 0, len(b.Items))
	for id := range b.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		data, err := json.Marshal(b.Items[id])
		if err != nil {
			return nil, fmt.Errorf("marshal jcat item %q: %w", id, err)
		}
		out.Write(data)
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}
