package tlshandshake

import (
	"github.com/embeddednet/tlsstack/hashset"
)

// KeyExchange names the key-exchange method a cipher suite selects, per
// spec.md §4.9's "Key exchange selection. Determined by suite."
type KeyExchange int

const (
	KeyExchRSA KeyExchange = iota
	KeyExchDHERSA
	KeyExchDHEDSS
	KeyExchDHAnon
)

// BulkAlgo names the record-layer bulk cipher a suite wires into
// tlsrecord.BulkCipher.
type BulkAlgo int

const (
	BulkRC4 BulkAlgo = iota
	Bulk3DES
	BulkAES128CBC
	BulkAES256CBC
	BulkAES128GCM
	BulkAES256GCM
)

// CipherSuite is one entry from spec.md §6's named suite ID table: a
// 2-byte IANA identifier combined with the key exchange, bulk cipher and
// MAC/PRF hash it selects.
type CipherSuite struct {
	ID          uint16
	Name        string
	KeyExchange KeyExchange
	Bulk        BulkAlgo
	MACAlgo     hashset.Algorithm // hashset.None for AEAD suites
	PRFHash     hashset.Algorithm // TLS 1.2 only; ignored below TLS 1.2
}

// KeySize returns the bulk cipher's key length in bytes.
func (s CipherSuite) KeySize() int {
	switch s.Bulk {
	case BulkRC4:
		return 16
	case Bulk3DES:
		return 24
	case BulkAES128CBC, BulkAES128GCM:
		return 16
	case BulkAES256CBC, BulkAES256GCM:
		return 32
	}
	return 0
}

// IsAEAD reports whether the suite's bulk cipher is an AEAD mode (no
// separate MAC key/algorithm in the key block).
func (s CipherSuite) IsAEAD() bool {
	return s.Bulk == BulkAES128GCM || s.Bulk == BulkAES256GCM
}

// IsCBC reports whether the suite's bulk cipher is a CBC-mode block
// cipher (RC4 and the two GCM variants are not).
func (s CipherSuite) IsCBC() bool {
	return s.Bulk == Bulk3DES || s.Bulk == BulkAES128CBC || s.Bulk == BulkAES256CBC
}

// BlockSize returns the CBC block size used for the explicit per-record
// IV in TLS 1.1+ (8 for 3DES, 16 for AES); zero for non-CBC suites.
func (s CipherSuite) BlockSize() int {
	switch s.Bulk {
	case Bulk3DES:
		return 8
	case BulkAES128CBC, BulkAES256CBC:
		return 16
	}
	return 0
}

// IVSize returns the fixed IV material size carried in the key block:
// zero for TLS 1.1+ CBC (explicit per-record IV instead), the block size
// for TLS 1.0 CBC (implicit IV), and 4 for GCM's fixed nonce portion.
func (s CipherSuite) IVSize(version uint16) int {
	switch s.Bulk {
	case BulkAES128GCM, BulkAES256GCM:
		return 4
	case BulkAES128CBC, BulkAES256CBC, Bulk3DES:
		if version == 0x0301 { // TLS 1.0: implicit IV derived in the key block
			if s.Bulk == Bulk3DES {
				return 8
			}
			return 16
		}
		return 0 // TLS 1.1+: explicit per-record IV, nothing carried in the key block
	}
	return 0
}

// Suites is the recognized suite table, ordered as this stack's default
// offer list (strongest/most-compatible first). spec.md §6 also names
// CAMELLIA/SEED/ARIA and CCM mode; those are out of scope (no concrete
// cipher implementation, see tlsrecord's cipher.go doc comment), so their
// suite IDs are not listed here and LookupSuite does not find them.
var Suites = []CipherSuite{
	{ID: 0x009E, Name: "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchDHERSA, Bulk: BulkAES128GCM, PRFHash: hashset.SHA256},
	{ID: 0x009F, Name: "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchDHERSA, Bulk: BulkAES256GCM, PRFHash: hashset.SHA384},
	{ID: 0x009C, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchRSA, Bulk: BulkAES128GCM, PRFHash: hashset.SHA256},
	{ID: 0x009D, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchRSA, Bulk: BulkAES256GCM, PRFHash: hashset.SHA384},
	{ID: 0x00A2, Name: "TLS_DHE_DSS_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchDHEDSS, Bulk: BulkAES128GCM, PRFHash: hashset.SHA256},
	{ID: 0x0067, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", KeyExchange: KeyExchDHERSA, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA256, PRFHash: hashset.SHA256},
	{ID: 0x006B, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256", KeyExchange: KeyExchDHERSA, Bulk: BulkAES256CBC, MACAlgo: hashset.SHA256, PRFHash: hashset.SHA256},
	{ID: 0x003C, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", KeyExchange: KeyExchRSA, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA256, PRFHash: hashset.SHA256},
	{ID: 0x003D, Name: "TLS_RSA_WITH_AES_256_CBC_SHA256", KeyExchange: KeyExchRSA, Bulk: BulkAES256CBC, MACAlgo: hashset.SHA256, PRFHash: hashset.SHA256},
	{ID: 0x0033, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchDHERSA, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0039, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchDHERSA, Bulk: BulkAES256CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0032, Name: "TLS_DHE_DSS_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchDHEDSS, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x002F, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchRSA, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0035, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchRSA, Bulk: BulkAES256CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x000A, Name: "TLS_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchange: KeyExchRSA, Bulk: Bulk3DES, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0016, Name: "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchange: KeyExchDHERSA, Bulk: Bulk3DES, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0005, Name: "TLS_RSA_WITH_RC4_128_SHA", KeyExchange: KeyExchRSA, Bulk: BulkRC4, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x0004, Name: "TLS_RSA_WITH_RC4_128_MD5", KeyExchange: KeyExchRSA, Bulk: BulkRC4, MACAlgo: hashset.MD5, PRFHash: hashset.SHA256},
	{ID: 0x0034, Name: "TLS_DH_anon_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchDHAnon, Bulk: BulkAES128CBC, MACAlgo: hashset.SHA1, PRFHash: hashset.SHA256},
	{ID: 0x00A6, Name: "TLS_DH_anon_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchDHAnon, Bulk: BulkAES128GCM, PRFHash: hashset.SHA256},
}

// SignatureAlgorithms extension hash and signature tags, per spec.md §6.
const (
	HashMD5    byte = 1
	HashSHA1   byte = 2
	HashSHA224 byte = 3
	HashSHA256 byte = 4
	HashSHA384 byte = 5
	HashSHA512 byte = 6

	SigRSA byte = 1
	SigDSA byte = 2
)

// hashTagToAlgo maps a SignatureAlgorithms hash tag to the matching
// hashset.Algorithm.
var hashTagToAlgo = map[byte]hashset.Algorithm{
	HashMD5:    hashset.MD5,
	HashSHA1:   hashset.SHA1,
	HashSHA224: hashset.SHA224,
	HashSHA256: hashset.SHA256,
	HashSHA384: hashset.SHA384,
	HashSHA512: hashset.SHA512,
}

// algoToHashTag is the reverse of hashTagToAlgo.
var algoToHashTag = map[hashset.Algorithm]byte{
	hashset.MD5:    HashMD5,
	hashset.SHA1:   HashSHA1,
	hashset.SHA224: HashSHA224,
	hashset.SHA256: HashSHA256,
	hashset.SHA384: HashSHA384,
	hashset.SHA512: HashSHA512,
}

// LookupSuite finds a recognized suite by its wire ID.
func LookupSuite(id uint16) (CipherSuite, bool) {
	for _, s := range Suites {
		if s.ID == id {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// DefaultOfferedSuites returns the IDs of every suite this stack offers
// in a ClientHello, in default preference order.
func DefaultOfferedSuites() []uint16 {
	ids := make([]uint16, len(Suites))
	for i, s := range Suites {
		ids[i] = s.ID
	}
	return ids
}
