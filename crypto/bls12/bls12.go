// Package bls12 implements the signature primitives used by qcchain on curve BLS12-381.
// Signatures are points on G2, public keys are points on G1, and aggregation is
// point addition on G2.
package bls12

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	bls12 "github.com/kilic/bls12-381"
)

var domain = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// the order r of G1
var curveOrder, _ = new(big.Int).SetString("73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// PublicKey is a bls12-381 public key.
type PublicKey struct {
	p *bls12.PointG1
}

// ToBytes marshals the public key to its compressed byte encoding.
func (pub *PublicKey) ToBytes() []byte {
	return bls12.NewG1().ToCompressed(pub.p)
}

// FromBytes unmarshals the public key from a byte slice.
func (pub *PublicKey) FromBytes(b []byte) (err error) {
	pub.p, err = bls12.NewG1().FromCompressed(b)
	if err != nil {
		return fmt.Errorf("bls12: failed to decompress public key: %w", err)
	}
	return nil
}

// Equal returns true if both public keys are the same curve point.
func (pub *PublicKey) Equal(other *PublicKey) bool {
	return bytes.Equal(pub.ToBytes(), other.ToBytes())
}

// PrivateKey is a bls12-381 private key.
type PrivateKey struct {
	p *big.Int
}

// ToBytes marshals the private key to a byte slice.
func (priv *PrivateKey) ToBytes() []byte {
	return priv.p.Bytes()
}

// FromBytes unmarshals the private key from a byte slice.
func (priv *PrivateKey) FromBytes(b []byte) {
	priv.p = new(big.Int)
	priv.p.SetBytes(b)
}

// GeneratePrivateKey generates a new private key from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	// the private key is a uniformly random integer such that 0 <= pk < r
	pk, err := rand.Int(rand.Reader, curveOrder)
	if err != nil {
		return nil, fmt.Errorf("bls12: failed to generate private key: %w", err)
	}
	return &PrivateKey{p: pk}, nil
}

// PrivateKeyFromSeed derives a private key deterministically from the given seed.
// It is meant for reproducible test setups; production keys come from key files.
func PrivateKeyFromSeed(seed []byte) *PrivateKey {
	pk := new(big.Int).SetBytes(seed)
	pk.Mod(pk, curveOrder)
	return &PrivateKey{p: pk}
}

// Public returns the public key associated with this private key.
func (priv *PrivateKey) Public() *PublicKey {
	p := &bls12.PointG1{}
	// the public key is the secret key multiplied by the generator of G1
	return &PublicKey{p: bls12.NewG1().MulScalarBig(p, &bls12.G1One, priv.p)}
}

// Signature is a bls12-381 signature over a single digest.
type Signature struct {
	s *bls12.PointG2
}

// ToBytes marshals the signature to its compressed byte encoding.
func (s *Signature) ToBytes() []byte {
	return bls12.NewG2().ToCompressed(s.s)
}

// FromBytes unmarshals a signature from a byte slice.
func (s *Signature) FromBytes(b []byte) (err error) {
	s.s, err = bls12.NewG2().FromCompressed(b)
	if err != nil {
		return fmt.Errorf("bls12: failed to decompress signature: %w", err)
	}
	return nil
}

// Sign creates a signature of the given digest.
func Sign(priv *PrivateKey, digest []byte) (*Signature, error) {
	if priv == nil || priv.p == nil {
		return nil, errors.New("bls12: missing private key")
	}
	p, err := bls12.NewG2().HashToCurve(digest, domain)
	if err != nil {
		return nil, fmt.Errorf("bls12: hash to curve failed: %w", err)
	}
	bls12.NewG2().MulScalarBig(p, p, priv.p)
	return &Signature{s: p}, nil
}

// Verify verifies a single signature of digest against the given public key.
func Verify(pub *PublicKey, digest []byte, sig *Signature) bool {
	return VerifyAggregate([]*PublicKey{pub}, digest, &AggregateSignature{sig: *sig.s})
}

// AggregateSignature is the monoidal sum of bls12-381 signatures over one digest.
// The zero value is the identity element.
type AggregateSignature struct {
	sig bls12.PointG2
}

// NewAggregateSignature returns the identity aggregate signature.
func NewAggregateSignature() *AggregateSignature {
	// the zero value of PointG2 is the point at infinity
	return &AggregateSignature{}
}

// Aggregate adds a signature into the aggregate.
func (agg *AggregateSignature) Aggregate(sig *Signature) {
	bls12.NewG2().Add(&agg.sig, &agg.sig, sig.s)
}

// Clone returns a deep copy of the aggregate signature.
func (agg *AggregateSignature) Clone() *AggregateSignature {
	return &AggregateSignature{sig: agg.sig}
}

// ToBytes marshals the aggregate signature to its compressed byte encoding.
func (agg *AggregateSignature) ToBytes() []byte {
	if agg == nil {
		return nil
	}
	return bls12.NewG2().ToCompressed(&agg.sig)
}

// AggregateFromBytes unmarshals an aggregate signature from a byte slice.
func AggregateFromBytes(b []byte) (*AggregateSignature, error) {
	p, err := bls12.NewG2().FromCompressed(b)
	if err != nil {
		return nil, fmt.Errorf("bls12: failed to decompress aggregate signature: %w", err)
	}
	return &AggregateSignature{sig: *p}, nil
}

// VerifyAggregate verifies an aggregate signature of digest against the given
// set of public keys. All participants must have signed the same digest.
func VerifyAggregate(pubs []*PublicKey, digest []byte, agg *AggregateSignature) bool {
	if len(pubs) == 0 || agg == nil {
		return false
	}
	ps, err := bls12.NewG2().HashToCurve(digest, domain)
	if err != nil {
		return false
	}
	engine := bls12.NewEngine()
	engine.AddPairInv(&bls12.G1One, &agg.sig)
	for _, pub := range pubs {
		engine.AddPair(pub.p, ps)
	}
	return engine.Result().IsOne()
}
