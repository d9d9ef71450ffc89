package qcchain

import (
	"github.com/solumlabs/qcchain/crypto/bls12"
)

// FinalizerAuthority is one entry of the finalizer policy: a finalizer name and
// the BLS public key it signs proposals with.
type FinalizerAuthority struct {
	Name   Name
	PubKey *bls12.PublicKey
}

// FinalizerPolicy is the ordered finalizer set shared by all replicas.
// Bitset positions in quorum certificates index into it.
type FinalizerPolicy struct {
	Finalizers []FinalizerAuthority
}

// Len returns the number of finalizers in the policy.
func (p *FinalizerPolicy) Len() int {
	return len(p.Finalizers)
}

// IndexOf returns the bitset position of the named finalizer, or -1 if the
// name is not part of the policy.
func (p *FinalizerPolicy) IndexOf(name Name) int {
	for i, f := range p.Finalizers {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// PubKeyOf returns the public key of the named finalizer, or nil.
func (p *FinalizerPolicy) PubKeyOf(name Name) *bls12.PublicKey {
	if i := p.IndexOf(name); i >= 0 {
		return p.Finalizers[i].PubKey
	}
	return nil
}

// QuorumThreshold returns the number of finalizer votes required for a quorum,
// ceil(2N/3)+1 over the policy size.
func (p *FinalizerPolicy) QuorumThreshold() int {
	n := len(p.Finalizers)
	return (2*n+2)/3 + 1
}
