// Package hashset exposes the uniform hash capability set described in
// SPEC_FULL.md §4.2/§9: a polymorphic registry of algorithms, each a
// {Name, DigestSize, BlockSize, New} Capability (the hash.Hash from New
// supplies init/update/final as Reset/Write/Sum) selected by an Algorithm
// tag at handshake time, mirroring the teacher's pattern of capability structs
// selected by tag (curve.Curve implementations chosen by name in
// luxfi-threshold) generalized from elliptic curve groups to hash
// algorithms.
package hashset

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/zeebo/blake3"
)

// Algorithm identifies one hash function by the tag TLS uses on the wire
// (SPEC_FULL.md §6 SignatureAlgorithms extension).
type Algorithm uint8

const (
	None Algorithm = iota
	MD5
	SHA1
	SHA224
	SHA256
	SHA384
	SHA512
	// Blake3 is not part of any TLS 1.0-1.2 cipher suite; it is an
	// enrichment variant exposed through the same tag mechanism, per
	// SPEC_FULL.md §4.2.
	Blake3
)

// Capability is the uniform init/update/final contract every algorithm in
// the registry satisfies, plus its digest/block size metadata.
type Capability struct {
	Name       string
	DigestSize int
	BlockSize  int
	New        func() hash.Hash
}

var registry = map[Algorithm]Capability{
	MD5:    {Name: "MD5", DigestSize: md5.Size, BlockSize: md5.BlockSize, New: md5.New},
	SHA1:   {Name: "SHA1", DigestSize: sha1.Size, BlockSize: sha1.BlockSize, New: sha1.New},
	SHA224: {Name: "SHA224", DigestSize: sha256.Size224, BlockSize: sha256.BlockSize, New: sha256.New224},
	SHA256: {Name: "SHA256", DigestSize: sha256.Size, BlockSize: sha256.BlockSize, New: sha256.New},
	SHA384: {Name: "SHA384", DigestSize: sha512.Size384, BlockSize: sha512.BlockSize, New: sha512.New384},
	SHA512: {Name: "SHA512", DigestSize: sha512.Size, BlockSize: sha512.BlockSize, New: sha512.New},
	Blake3: {Name: "BLAKE3", DigestSize: 32, BlockSize: 64, New: func() hash.Hash { return blake3.New() }},
}

// Lookup returns the capability for alg, and false if alg is unknown.
func Lookup(alg Algorithm) (Capability, bool) {
	c, ok := registry[alg]
	return c, ok
}

// New is a convenience wrapper returning a ready-to-use hash.Hash for alg,
// or nil if alg is unknown.
func New(alg Algorithm) hash.Hash {
	c, ok := registry[alg]
	if !ok {
		return nil
	}
	return c.New()
}

// Sum hashes data in one call.
func Sum(alg Algorithm, data []byte) []byte {
	h := New(alg)
	if h == nil {
		return nil
	}
	h.Write(data)
	return h.Sum(nil)
}

// DualMD5SHA1 is the MD5||SHA1 running-digest construction TLS <=1.1 uses
// for its handshake hash and PRF (SPEC_FULL.md §4.9).
type DualMD5SHA1 struct {
	md5  hash.Hash
	sha1 hash.Hash
}

// NewDualMD5SHA1 returns a running digest that feeds every Write to both
// MD5 and SHA-1 in parallel.
func NewDualMD5SHA1() *DualMD5SHA1 {
	return &DualMD5SHA1{md5: md5.New(), sha1: sha1.New()}
}

func (d *DualMD5SHA1) Write(p []byte) (int, error) {
	d.md5.Write(p)
	d.sha1.Write(p)
	return len(p), nil
}

// Sum returns md5_digest || sha1_digest (36 bytes).
func (d *DualMD5SHA1) Sum() []byte {
	out := d.md5.Sum(nil)
	return append(out, d.sha1.Sum(nil)...)
}

// RunningTranscript accumulates the raw handshake message bytes so the
// handshake engine can re-derive a transcript hash under any algorithm
// (MD5+SHA1 for <=TLS 1.1, a single PRF hash for TLS 1.2) without needing
// a mid-stream hash.Hash snapshot.
type RunningTranscript struct {
	buf []byte
}

// Write appends p to the transcript log.
func (t *RunningTranscript) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	return len(p), nil
}

// Bytes returns the raw transcript bytes seen so far.
func (t *RunningTranscript) Bytes() []byte { return t.buf }

// SumMD5SHA1 returns MD5(bytes) || SHA1(bytes) over the transcript so far.
func (t *RunningTranscript) SumMD5SHA1() []byte {
	d := NewDualMD5SHA1()
	d.Write(t.buf)
	return d.Sum()
}

// Sum returns Hash(bytes) under alg over the transcript so far.
func (t *RunningTranscript) Sum(alg Algorithm) []byte {
	return Sum(alg, t.buf)
}
