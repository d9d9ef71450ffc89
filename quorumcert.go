package qcchain

import (
	"github.com/solumlabs/qcchain/crypto"
	"github.com/solumlabs/qcchain/crypto/bls12"
)

// QuorumCert is a quorum certificate over a proposal: the set of finalizers
// that voted, as a bitset over the finalizer policy, and the aggregate of
// their signatures. The quorum-met flag is local bookkeeping and is never
// transmitted.
type QuorumCert struct {
	ProposalID       ProposalID
	ActiveFinalizers *crypto.Bitset
	ActiveAggSig     *bls12.AggregateSignature

	quorumMet bool
}

// NewQuorumCert returns an empty certificate sized for the given finalizer count.
func NewQuorumCert(finalizerCount int) QuorumCert {
	var qc QuorumCert
	qc.Reset(NullProposalID, finalizerCount)
	return qc
}

// Reset reinitializes the certificate for a new proposal: an empty bitset of
// the given length, the identity aggregate signature, and quorum not met.
func (qc *QuorumCert) Reset(proposalID ProposalID, finalizerCount int) {
	qc.ProposalID = proposalID
	qc.ActiveFinalizers = crypto.NewBitset(finalizerCount)
	qc.ActiveAggSig = bls12.NewAggregateSignature()
	qc.quorumMet = false
}

// AddVote records the vote of the finalizer at the given bitset position and
// aggregates its signature. A vote from a position that is already set is
// dropped, and AddVote returns false.
func (qc *QuorumCert) AddVote(finalizerIndex int, sig *bls12.Signature) bool {
	if qc.ActiveFinalizers.Test(finalizerIndex) {
		return false
	}
	qc.ActiveFinalizers.Set(finalizerIndex)
	qc.ActiveAggSig.Aggregate(sig)
	return true
}

// QuorumMet reports whether the quorum-met flag has been set.
func (qc *QuorumCert) QuorumMet() bool {
	return qc.quorumMet
}

// SetQuorumMet marks the certificate as having reached quorum.
func (qc *QuorumCert) SetQuorumMet() {
	qc.quorumMet = true
}

// IsNull returns true if the certificate does not justify any proposal.
func (qc *QuorumCert) IsNull() bool {
	return qc.ProposalID.IsNull()
}

// Clone returns a deep copy of the certificate, including the quorum-met flag.
func (qc *QuorumCert) Clone() QuorumCert {
	c := QuorumCert{
		ProposalID: qc.ProposalID,
		quorumMet:  qc.quorumMet,
	}
	if qc.ActiveFinalizers != nil {
		c.ActiveFinalizers = qc.ActiveFinalizers.Clone()
	}
	if qc.ActiveAggSig != nil {
		c.ActiveAggSig = qc.ActiveAggSig.Clone()
	}
	return c
}
