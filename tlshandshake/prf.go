package tlshandshake

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"

	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/stackcfg"
)

// pHash implements RFC 5246 §5's data-expansion function:
//
//	A(0) = seed; A(i) = HMAC_hash(secret, A(i-1))
//	P_hash(secret, seed) = HMAC_hash(secret, A(1)+seed) || HMAC_hash(secret, A(2)+seed) || ...
//
// truncated (or extended) to exactly outLen bytes.
func pHash(alg hashset.Algorithm, secret, seed []byte, outLen int) []byte {
	out := make([]byte, 0, outLen)
	a := seed
	for len(out) < outLen {
		a = hmacSum(alg, secret, a)
		out = append(out, hmacSum(alg, secret, append(append([]byte(nil), a...), seed...))...)
	}
	return out[:outLen]
}

func hmacSum(alg hashset.Algorithm, key, data []byte) []byte {
	h := hmac.New(func() hash.Hash { return hashset.New(alg) }, key)
	h.Write(data)
	return h.Sum(nil)
}

// prf10 is the TLS 1.0/1.1 dual-hash PRF: the secret is split into two
// (possibly overlapping, for odd lengths) halves, P_MD5 and P_SHA1 are
// computed independently over each half, and the two streams are XORed,
// per spec.md §4.9's "PRF = P_MD5(S1,…) XOR P_SHA1(S2,…)".
func prf10(secret, label, seed []byte, outLen int) []byte {
	full := append(append([]byte(nil), label...), seed...)
	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	md5Stream := pHash(hashset.MD5, s1, full, outLen)
	sha1Stream := pHash(hashset.SHA1, s2, full, outLen)
	out := make([]byte, outLen)
	for i := range out {
		out[i] = md5Stream[i] ^ sha1Stream[i]
	}
	return out
}

// prf12 is the TLS 1.2 single-hash PRF named by the suite's PRFHash.
func prf12(hash hashset.Algorithm, secret, label, seed []byte, outLen int) []byte {
	full := append(append([]byte(nil), label...), seed...)
	return pHash(hash, secret, full, outLen)
}

// ssl3Pad returns n copies of b: the fixed SSL 3.0 MAC/Finished pad1
// (0x36) and pad2 (0x5c) bytes, sized 48 for MD5 and 40 for SHA-1, per the
// SSLv3 draft spec.
func ssl3Pad(b byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

// ssl3PRF implements SSL 3.0's master-secret/key-block construction: for
// SSL 3.0: the MD5/SHA1 concatenation construction named in spec.md §4.9,
// producing 16 bytes per round labelled "A", "BB", "CCC", ... until
// outLen bytes have been produced.
func ssl3PRF(secret, seed []byte, outLen int) []byte {
	out := make([]byte, 0, outLen)
	for round := 1; len(out) < outLen; round++ {
		label := make([]byte, round)
		for i := range label {
			label[i] = byte('A' + round - 1)
		}
		inner := sha1.Sum(append(append(append([]byte(nil), label...), secret...), seed...))
		outer := md5.Sum(append(append([]byte(nil), secret...), inner[:]...))
		out = append(out, outer[:]...)
	}
	return out[:outLen]
}

// ssl3Finished computes the SSL 3.0 Finished message's 36-byte
// MD5||SHA1 verify_data: hash(master_secret || pad2 || hash(handshake_messages || sender || master_secret || pad1)).
func ssl3Finished(masterSecret, handshakeMessages, sender []byte) []byte {
	md5Inner := md5.New()
	md5Inner.Write(handshakeMessages)
	md5Inner.Write(sender)
	md5Inner.Write(masterSecret)
	md5Inner.Write(ssl3Pad(0x36, 48))
	md5Hash := md5Inner.Sum(nil)

	md5Outer := md5.New()
	md5Outer.Write(masterSecret)
	md5Outer.Write(ssl3Pad(0x5c, 48))
	md5Outer.Write(md5Hash)
	md5Result := md5Outer.Sum(nil)

	sha1Inner := sha1.New()
	sha1Inner.Write(handshakeMessages)
	sha1Inner.Write(sender)
	sha1Inner.Write(masterSecret)
	sha1Inner.Write(ssl3Pad(0x36, 40))
	shaHash := sha1Inner.Sum(nil)

	sha1Outer := sha1.New()
	sha1Outer.Write(masterSecret)
	sha1Outer.Write(ssl3Pad(0x5c, 40))
	sha1Outer.Write(shaHash)
	shaResult := sha1Outer.Sum(nil)

	return append(md5Result, shaResult...)
}

var (
	ssl3SenderClient = []byte{0x43, 0x4c, 0x4e, 0x54}
	ssl3SenderServer = []byte{0x53, 0x52, 0x56, 0x52}
)

// DeriveMasterSecret implements spec.md §4.9's "Master secret derivation"
// paragraph, selecting the construction named for version.
func DeriveMasterSecret(version stackcfg.TLSVersion, suite CipherSuite, pms, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	switch {
	case version == stackcfg.SSL30:
		return ssl3PRF(pms, seed, 48)
	case version >= stackcfg.TLS12:
		return prf12(suite.PRFHash, pms, []byte("master secret"), seed, 48)
	default:
		return prf10(pms, []byte("master secret"), seed, 48)
	}
}

// DeriveKeyBlock implements spec.md §4.9's "Key block" paragraph: the
// seed order is server_random || client_random, the reverse of the
// master secret derivation's seed.
func DeriveKeyBlock(version stackcfg.TLSVersion, suite CipherSuite, masterSecret, clientRandom, serverRandom []byte, outLen int) []byte {
	seed := append(append([]byte(nil), serverRandom...), clientRandom...)
	switch {
	case version == stackcfg.SSL30:
		return ssl3PRF(masterSecret, seed, outLen)
	case version >= stackcfg.TLS12:
		return prf12(suite.PRFHash, masterSecret, []byte("key expansion"), seed, outLen)
	default:
		return prf10(masterSecret, []byte("key expansion"), seed, outLen)
	}
}

// FinishedVerifyData implements spec.md §4.9's "Finished" paragraph: a
// 12-byte verify_data for TLS, or the 36-byte SSL 3.0 construction, over
// the exact handshake transcript seen so far.
func FinishedVerifyData(version stackcfg.TLSVersion, suite CipherSuite, masterSecret []byte, transcript *hashset.RunningTranscript, isClient bool) []byte {
	if version == stackcfg.SSL30 {
		sender := ssl3SenderServer
		if isClient {
			sender = ssl3SenderClient
		}
		return ssl3Finished(masterSecret, transcript.Bytes(), sender)
	}
	label := "server finished"
	if isClient {
		label = "client finished"
	}
	var seed []byte
	if version >= stackcfg.TLS12 {
		seed = transcript.Sum(suite.PRFHash)
		return prf12(suite.PRFHash, masterSecret, []byte(label), seed, 12)
	}
	seed = transcript.SumMD5SHA1()
	return prf10(masterSecret, []byte(label), seed, 12)
}
