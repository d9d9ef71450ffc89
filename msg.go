package qcchain

import (
	"fmt"

	"github.com/solumlabs/qcchain/crypto/bls12"
)

// MsgType is the 1-byte wire tag of a protocol message.
type MsgType uint8

// Wire tags. Proposals travel under the qc tag, a leftover of an earlier
// protocol revision that the wire format keeps for compatibility.
const (
	MsgTypeNewView  MsgType = 1
	MsgTypeNewBlock MsgType = 2
	MsgTypeQC       MsgType = 3
	MsgTypeVote     MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeNewView:
		return "new_view"
	case MsgTypeNewBlock:
		return "new_block"
	case MsgTypeQC:
		return "proposal"
	case MsgTypeVote:
		return "vote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ProposalMsg proposes a phase of a block, justified by a quorum certificate
// over an earlier proposal.
type ProposalMsg struct {
	ProposalID   ProposalID
	BlockID      BlockID
	ParentID     ProposalID
	FinalOnQC    ProposalID
	Justify      QuorumCert
	PhaseCounter uint8
}

// BlockNum returns the height of the proposed block.
func (p *ProposalMsg) BlockNum() uint32 {
	return p.BlockID.BlockNum()
}

// Height returns the 64-bit ordering key of the proposal.
func (p *ProposalMsg) Height() uint64 {
	return ComputeHeight(p.BlockNum(), p.PhaseCounter)
}

func (p *ProposalMsg) String() string {
	return fmt.Sprintf("proposal{id: %s, block: %s, phase: %d}", p.ProposalID, p.BlockID, p.PhaseCounter)
}

// VoteMsg is a finalizer's signature over a proposal digest, sent to the leader.
type VoteMsg struct {
	ProposalID ProposalID
	Finalizer  Name
	Sig        *bls12.Signature
}

func (v *VoteMsg) String() string {
	return fmt.Sprintf("vote{id: %s, finalizer: %s}", v.ProposalID, v.Finalizer)
}

// NewViewMsg hands the sender's high QC to the next leader.
type NewViewMsg struct {
	HighQC QuorumCert
}

// NewBlockMsg announces that a block is available for proposing.
type NewBlockMsg struct {
	BlockID BlockID
	Justify QuorumCert
}

// Msg is the tagged union over the four protocol messages.
// Exactly one field is non-nil.
type Msg struct {
	Proposal *ProposalMsg
	Vote     *VoteMsg
	NewView  *NewViewMsg
	NewBlock *NewBlockMsg
}

// Type returns the wire tag of the variant held by the union.
func (m Msg) Type() MsgType {
	switch {
	case m.Proposal != nil:
		return MsgTypeQC
	case m.Vote != nil:
		return MsgTypeVote
	case m.NewView != nil:
		return MsgTypeNewView
	case m.NewBlock != nil:
		return MsgTypeNewBlock
	}
	panic("qcchain: empty message union")
}

func (m Msg) String() string {
	switch {
	case m.Proposal != nil:
		return m.Proposal.String()
	case m.Vote != nil:
		return m.Vote.String()
	case m.NewView != nil:
		return fmt.Sprintf("new_view{high_qc: %s}", m.NewView.HighQC.ProposalID)
	case m.NewBlock != nil:
		return fmt.Sprintf("new_block{block: %s}", m.NewBlock.BlockID)
	}
	return "empty"
}
