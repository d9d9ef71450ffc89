package consensus

import (
	"fmt"

	"github.com/solumlabs/qcchain"
)

// WarningCode enumerates the non-fatal protocol faults a replica reports
// through the pacemaker. Warnings are telemetry, not errors: the replica
// absorbs the fault and continues.
type WarningCode uint32

const (
	WarningDuplicateVote WarningCode = iota + 1
	WarningUnknownFinalizer
	WarningStaleProposal
	WarningVerificationFailure
	WarningUnsafeProposal
	WarningMalformedMessage
)

func (w WarningCode) String() string {
	switch w {
	case WarningDuplicateVote:
		return "duplicate vote"
	case WarningUnknownFinalizer:
		return "unknown finalizer"
	case WarningStaleProposal:
		return "stale proposal"
	case WarningVerificationFailure:
		return "signature verification failure"
	case WarningUnsafeProposal:
		return "safe-node rule violation"
	case WarningMalformedMessage:
		return "malformed message"
	default:
		return fmt.Sprintf("warning(%d)", uint32(w))
	}
}

// Pacemaker is the seam between a replica and its host. It assigns the
// proposer, leader and next-leader roles, supplies the finalizer policy and
// the block to wrap, and routes the replica's outbound messages.
//
// The QCChain depends only on this capability set; the deterministic test
// pacemaker and any production host are interchangeable behind it.
type Pacemaker interface {
	// GetProposer returns the replica allowed to emit new-block messages this view.
	GetProposer() qcchain.Name
	// GetLeader returns the replica that collects votes this view.
	GetLeader() qcchain.Name
	// GetNextLeader returns the replica that leads the upcoming view.
	GetNextLeader() qcchain.Name
	// GetFinalizerPolicy returns the ordered finalizer set with BLS keys.
	GetFinalizerPolicy() *qcchain.FinalizerPolicy
	// GetCurrentBlockID returns the block identifier the proposer should wrap.
	GetCurrentBlockID() qcchain.BlockID
	// GetQuorumThreshold returns the vote count required for a quorum.
	// A return of 0 means the threshold is computed from the policy size.
	GetQuorumThreshold() int

	// SendProposal routes a proposal message from the given sender.
	// excludePeer is a hint for avoiding reflection in flood broadcast;
	// receivers still filter self-messages.
	SendProposal(msg *qcchain.ProposalMsg, sender qcchain.Name, excludePeer *qcchain.Name)
	// SendVote routes a vote message to the leader.
	SendVote(msg *qcchain.VoteMsg, sender qcchain.Name, excludePeer *qcchain.Name)
	// SendNewView routes a new-view message to the next leader.
	SendNewView(msg *qcchain.NewViewMsg, sender qcchain.Name, excludePeer *qcchain.Name)
	// SendNewBlock announces a block to the leader.
	SendNewBlock(msg *qcchain.NewBlockMsg, sender qcchain.Name, excludePeer *qcchain.Name)
	// SendMessageWarning reports a non-fatal protocol fault.
	SendMessageWarning(sender qcchain.Name, code WarningCode)
}
