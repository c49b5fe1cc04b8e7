package bignum

import (
	"fmt"

	"github.com/embeddednet/tlsstack/stackerr"
)

// ExpMod computes a^e mod p per SPEC_FULL.md §4.1. For an odd modulus it
// uses a Montgomery ladder: base B = 2^(w*k) with k = limbs(p), precomputed
// R² mod p, square-and-multiply scanning e MSB→LSB in Montgomery domain,
// and a final Montgomery reduction. For an even modulus it falls back to
// plain square-and-multiply with mulMod after every step.
func ExpMod(a, e, p *Int) (*Int, error) {
	if p.IsZero() || p.Sign() < 0 {
		return nil, stackerr.New(stackerr.InvalidParameter, "bignum.ExpMod", fmt.Errorf("modulus must be positive"))
	}
	if e.Sign() < 0 {
		return nil, stackerr.New(stackerr.InvalidParameter, "bignum.ExpMod", fmt.Errorf("negative exponent unsupported"))
	}
	base, err := Mod(a, p)
	if err != nil {
		return nil, err
	}
	if isEven(p) {
		return expModPlain(base, e, p)
	}
	return expModMontgomery(base, e, p)
}

func isEven(p *Int) bool {
	return len(p.limbs) > 0 && p.limbs[0]&1 == 0
}

func mulMod(a, b, p *Int) (*Int, error) {
	return Mod(Mul(a, b), p)
}

// expModPlain handles even moduli with ordinary square-and-multiply; no
// Montgomery form is possible because the modulus is not coprime to the
// Montgomery base 2^(w*k).
func expModPlain(a, e, p *Int) (*Int, error) {
	result := FromUint64(1)
	base := a.Clone()
	bits := e.BitLen()
	var err error
	for i := 0; i < bits; i++ {
		if bitAt(e, i) == 1 {
			result, err = mulMod(result, base, p)
			if err != nil {
				return nil, err
			}
		}
		base, err = mulMod(base, base, p)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func bitAt(z *Int, i int) int {
	word := i / limbBits
	if word >= len(z.limbs) {
		return 0
	}
	return int((z.limbs[word] >> uint(i%limbBits)) & 1)
}

// negModInverseWord computes -p0^{-1} mod 2^w via Newton iteration: start
// from the 1-bit-correct guess inv=1 (valid since p0 is odd) and double
// the number of correct bits on every iteration inv = inv*(2 - p0*inv).
// limbBits=32 needs 5 doublings (1→2→4→8→16→32 correct bits).
func negModInverseWord(p0 limb) limb {
	inv := limb(1)
	for i := 0; i < 5; i++ {
		inv = inv * (2 - p0*inv)
	}
	return -inv
}

type montgomeryCtx struct {
	p    *Int
	k    int  // limbs(p)
	np0  limb // -p0^-1 mod 2^w
	r2   *Int // R^2 mod p, R = 2^(w*k)
}

func newMontgomeryCtx(p *Int) (*montgomeryCtx, error) {
	k := effectiveLen(p.limbs)
	np0 := negModInverseWord(p.limbs[0])
	// R2 = 2^(2*w*k) mod p, computed by repeated doubling+reduction so we
	// never materialize a 2*w*k-bit shift of 1 before reducing.
	r2 := FromUint64(1)
	r2 = ShiftLeft(r2, limbBits) // start at 2^w, safely below typical moduli growth
	var err error
	for i := 0; i < 2*k*limbBits-limbBits; i++ {
		r2 = Add(r2, r2)
		if r2.CmpAbs(p) >= 0 {
			_, r2, err = DivMod(r2, p)
			if err != nil {
				return nil, err
			}
		}
	}
	r2, err = Mod(r2, p)
	if err != nil {
		return nil, err
	}
	return &montgomeryCtx{p: p, k: k, np0: np0, r2: r2}, nil
}

// redc performs Montgomery reduction of t (which must satisfy
// 0 <= t < p*R) returning t*R^-1 mod p.
func (m *montgomeryCtx) redc(t *Int) *Int {
	t = t.Clone()
	for i := 0; i < m.k; i++ {
		var ti limb
		if i < len(t.limbs) {
			ti = t.limbs[i]
		}
		u := ti * m.np0
		addend := Mul(FromUint64(uint64(u)), &Int{sign: 1, limbs: m.p.limbs})
		addend = ShiftLeft(addend, i*limbBits)
		t = Add(t, addend)
	}
	t = ShiftRight(t, m.k*limbBits)
	if t.CmpAbs(m.p) >= 0 {
		t = Sub(t, m.p)
	}
	return t
}

func (m *montgomeryCtx) toMontgomery(a *Int) *Int {
	return m.redc(Mul(a, m.r2))
}

func (m *montgomeryCtx) mul(a, b *Int) *Int {
	return m.redc(Mul(a, b))
}

func expModMontgomery(a, e, p *Int) (*Int, error) {
	ctx, err := newMontgomeryCtx(p)
	if err != nil {
		return nil, err
	}
	one := FromUint64(1)
	resultMont := ctx.toMontgomery(one)
	aMont := ctx.toMontgomery(a)
	bits := e.BitLen()
	for i := bits - 1; i >= 0; i-- {
		resultMont = ctx.mul(resultMont, resultMont)
		if bitAt(e, i) == 1 {
			resultMont = ctx.mul(resultMont, aMont)
		}
	}
	return ctx.redc(resultMont), nil
}

// InvMod returns a^-1 mod p via the extended Euclidean algorithm, failing
// with stackerr.Failure if gcd(a,p) != 1.
func InvMod(a, p *Int) (*Int, error) {
	aMod, err := Mod(a, p)
	if err != nil {
		return nil, err
	}
	old_r, r := aMod, p.Clone()
	old_s, s := FromUint64(1), Zero()

	for !r.IsZero() {
		q, rem, derr := DivMod(old_r, r)
		if derr != nil {
			return nil, derr
		}
		old_r, r = r, rem
		old_s, s = s, Sub(old_s, Mul(q, s))
	}
	if old_r.CmpAbs(FromUint64(1)) != 0 {
		return nil, stackerr.New(stackerr.Failure, "bignum.InvMod", fmt.Errorf("gcd != 1, no inverse"))
	}
	return Mod(old_s, p)
}
