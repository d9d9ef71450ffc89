// Package consensus implements the per-replica HotStuff decision engine.
//
// A QCChain turns a stream of pacemaker beats and protocol messages into a
// stream of commitments. It is single-threaded and lock-free: at most one
// call to OnBeat or OnMsg may be in progress at any time, and all thread
// synchronization is external. A state version counter is published through
// StateVersion after every mutating call so observers can detect change
// without locks.
package consensus

import (
	"sync/atomic"

	"github.com/solumlabs/qcchain"
	"github.com/solumlabs/qcchain/crypto/bls12"
	"github.com/solumlabs/qcchain/logging"
	"github.com/solumlabs/qcchain/proposals"
)

// GCHorizon is the proposal retention depth below the last executed height.
// It must cover the three-chain depth; no live marker ever points below it.
const GCHorizon = 64

// Commitment is the ordered set of blocks newly finalized by a three-chain,
// oldest first.
type Commitment struct {
	Blocks []qcchain.BlockID
}

// QCChain is the decision engine of one replica.
type QCChain struct {
	id        qcchain.Name
	pacemaker Pacemaker
	logger    logging.Logger

	// finalizerKeys holds the signing keys of the finalizers this replica
	// operates. Names missing from the current policy simply do not vote.
	finalizerKeys map[qcchain.Name]*bls12.PrivateKey

	chainedMode          bool
	blockExec            qcchain.BlockID
	pendingProposalBlock qcchain.BlockID
	bLeaf                qcchain.ProposalID
	bLock                qcchain.ProposalID
	bExec                qcchain.ProposalID
	bExecHeight          uint64
	bFinalityViolation   qcchain.ProposalID
	highQC               qcchain.QuorumCert
	currentQC            qcchain.QuorumCert
	vHeight              uint64

	store *proposals.Store

	stateVersion uint64 // atomic
}

// New returns a replica engine identified by id, driven through the given
// pacemaker. finalizerKeys maps the names of locally operated finalizers to
// their BLS private keys; replicas that operate no finalizer pass nil.
func New(id qcchain.Name, pacemaker Pacemaker, finalizerKeys map[qcchain.Name]*bls12.PrivateKey, logger logging.Logger, chainedMode bool) *QCChain {
	return &QCChain{
		id:            id,
		pacemaker:     pacemaker,
		logger:        logger,
		finalizerKeys: finalizerKeys,
		chainedMode:   chainedMode,
		highQC:        qcchain.NewQuorumCert(0),
		currentQC:     qcchain.NewQuorumCert(0),
		store:         proposals.NewStore(),
		stateVersion:  1,
	}
}

// ID returns the replica name.
func (c *QCChain) ID() qcchain.Name {
	return c.id
}

// StateVersion returns the current state version. It increases after every
// mutating call and may be read without external synchronization.
func (c *QCChain) StateVersion() uint64 {
	return atomic.LoadUint64(&c.stateVersion)
}

// GetState returns a snapshot of the replica's decision state.
func (c *QCChain) GetState() qcchain.FinalizerState {
	fs := qcchain.FinalizerState{
		ChainedMode:          c.chainedMode,
		BLeaf:                c.bLeaf,
		BLock:                c.bLock,
		BExec:                c.bExec,
		BFinalityViolation:   c.bFinalityViolation,
		BlockExec:            c.blockExec,
		PendingProposalBlock: c.pendingProposalBlock,
		VHeight:              c.vHeight,
		HighQC:               c.highQC.Clone(),
		CurrentQC:            c.currentQC.Clone(),
		Policy:               *c.pacemaker.GetFinalizerPolicy(),
		Proposals:            make(map[qcchain.ProposalID]qcchain.ProposalMsg, c.store.Len()),
	}
	c.store.ForEach(func(p *qcchain.ProposalMsg) {
		fs.Proposals[p.ProposalID] = *p
	})
	return fs
}

// OnBeat handles a pacemaker time tick. The proposer wraps the pacemaker's
// current block into a phase-0 proposal, or records it as pending while the
// previous proposal is still collecting votes. A proposer that is not the
// leader announces the block instead.
func (c *QCChain) OnBeat() {
	defer c.advanceVersion()

	if !c.amIProposer() {
		return
	}
	blockID := c.pacemaker.GetCurrentBlockID()
	if blockID.IsNull() {
		return
	}
	if !c.amILeader() {
		nb := c.newBlockCandidate(blockID)
		c.logger.Debugf("%s: announcing block %s to leader", c.id, blockID)
		c.pacemaker.SendNewBlock(&nb, c.id, nil)
		return
	}
	if !c.currentQC.IsNull() && !c.currentQC.QuorumMet() {
		// still collecting votes on the previous proposal
		c.pendingProposalBlock = blockID
		return
	}
	c.emitProposal(blockID, 0)
}

// OnMsg dispatches a protocol message and returns the commitment produced by
// it, if any. At most one commitment is produced per call.
func (c *QCChain) OnMsg(msg qcchain.Msg) *Commitment {
	defer c.advanceVersion()

	switch {
	case msg.Proposal != nil:
		return c.processProposal(msg.Proposal)
	case msg.Vote != nil:
		return c.processVote(msg.Vote)
	case msg.NewView != nil:
		c.processNewView(msg.NewView)
	case msg.NewBlock != nil:
		return c.processNewBlock(msg.NewBlock)
	}
	return nil
}

func (c *QCChain) advanceVersion() {
	atomic.AddUint64(&c.stateVersion, 1)
}

func (c *QCChain) amIProposer() bool {
	return c.pacemaker.GetProposer() == c.id
}

func (c *QCChain) amILeader() bool {
	return c.pacemaker.GetLeader() == c.id
}

func (c *QCChain) warn(code WarningCode) {
	c.logger.Warnf("%s: %s", c.id, code)
	c.pacemaker.SendMessageWarning(c.id, code)
}

func (c *QCChain) quorumThreshold(policy *qcchain.FinalizerPolicy) int {
	if t := c.pacemaker.GetQuorumThreshold(); t > 0 {
		return t
	}
	return policy.QuorumThreshold()
}

func (c *QCChain) heightOf(id qcchain.ProposalID) uint64 {
	if p := c.store.Get(id); p != nil {
		return p.Height()
	}
	return 0
}

// extends reports whether descendant is on the parent chain starting at ancestor.
func (c *QCChain) extends(descendant, ancestor qcchain.ProposalID) bool {
	cur := descendant
	for !cur.IsNull() {
		if cur == ancestor {
			return true
		}
		p := c.store.Get(cur)
		if p == nil {
			return false
		}
		cur = p.ParentID
	}
	return false
}

// isNodeSafe is the safe-node predicate: a proposal may be signed if it
// extends the locked proposal, or if it is justified by a QC newer than the
// lock.
func (c *QCChain) isNodeSafe(p *qcchain.ProposalMsg) bool {
	if !c.bFinalityViolation.IsNull() {
		// a detected safety violation leaves the replica stuck
		return false
	}
	if c.bLock.IsNull() {
		return true
	}
	if c.extends(p.ParentID, c.bLock) {
		return true
	}
	if !p.Justify.IsNull() {
		if jp := c.store.Get(p.Justify.ProposalID); jp != nil {
			return jp.Height() > c.heightOf(c.bLock)
		}
	}
	return false
}

// evaluateQuorum checks a certificate against the policy: enough votes, and
// the aggregated signature verifies against the public keys selected by the
// bitset over the digest of the certified proposal.
func (c *QCChain) evaluateQuorum(policy *qcchain.FinalizerPolicy, qc *qcchain.QuorumCert, p *qcchain.ProposalMsg) bool {
	if qc.ActiveFinalizers.Count() < c.quorumThreshold(policy) {
		return false
	}
	digest := qcchain.DigestToSign(p.BlockID, p.PhaseCounter, p.FinalOnQC)
	pubs := make([]*bls12.PublicKey, 0, qc.ActiveFinalizers.Count())
	qc.ActiveFinalizers.ForEach(func(i int) {
		pubs = append(pubs, policy.Finalizers[i].PubKey)
	})
	return bls12.VerifyAggregate(pubs, digest[:], qc.ActiveAggSig)
}

// updateHighQC adopts qc as the new high QC if it certifies a higher proposal
// than the current one and passes verification. The leaf marker follows the
// high QC.
func (c *QCChain) updateHighQC(qc *qcchain.QuorumCert) bool {
	if qc.IsNull() {
		return false
	}
	newP := c.store.Get(qc.ProposalID)
	if newP == nil {
		return false
	}
	// any certificate is higher than none, the state since startup
	if !c.highQC.IsNull() && newP.Height() <= c.heightOf(c.highQC.ProposalID) {
		return false
	}
	policy := c.pacemaker.GetFinalizerPolicy()
	if qc.ActiveFinalizers == nil || qc.ActiveFinalizers.Len() != policy.Len() {
		return false
	}
	if !c.evaluateQuorum(policy, qc, newP) {
		return false
	}
	c.highQC = qc.Clone()
	c.highQC.SetQuorumMet()
	c.bLeaf = qc.ProposalID
	return true
}

// newProposalCandidate builds the proposal for the given block and phase.
// The parent is the current leaf, the justification is the high QC, and the
// final-on-QC marker names the proposal made final once this one is certified.
func (c *QCChain) newProposalCandidate(blockID qcchain.BlockID, phase uint8) qcchain.ProposalMsg {
	p := qcchain.ProposalMsg{
		BlockID:      blockID,
		ParentID:     c.bLeaf,
		PhaseCounter: phase,
		Justify:      c.highQC.Clone(),
	}
	if !p.Justify.IsNull() {
		if b2 := c.store.Get(p.Justify.ProposalID); b2 != nil {
			if b1 := c.store.Get(b2.Justify.ProposalID); b1 != nil && b2.ParentID == b1.ProposalID {
				p.FinalOnQC = b1.ProposalID
			}
		}
	}
	p.ProposalID = qcchain.ProposalID(qcchain.DigestToSign(blockID, phase, p.FinalOnQC))
	return p
}

func (c *QCChain) newBlockCandidate(blockID qcchain.BlockID) qcchain.NewBlockMsg {
	return qcchain.NewBlockMsg{
		BlockID: blockID,
		Justify: c.highQC.Clone(),
	}
}

func (c *QCChain) resetQC(proposalID qcchain.ProposalID) {
	c.currentQC.Reset(proposalID, c.pacemaker.GetFinalizerPolicy().Len())
}

// emitProposal creates and broadcasts the next proposal, unless the pacemaker
// reports a leader rotation, in which case the high QC is handed to the next
// leader in a new-view message instead.
func (c *QCChain) emitProposal(blockID qcchain.BlockID, phase uint8) *Commitment {
	if next := c.pacemaker.GetNextLeader(); next != "" && next != c.id {
		c.logger.Infof("%s: rotating leadership to %s", c.id, next)
		nv := qcchain.NewViewMsg{HighQC: c.highQC.Clone()}
		c.pacemaker.SendNewView(&nv, c.id, nil)
		return nil
	}
	proposal := c.newProposalCandidate(blockID, phase)
	c.resetQC(proposal.ProposalID)
	c.pendingProposalBlock = qcchain.NullBlockID
	c.logger.Debugf("%s: proposing %s (block %s, phase %d)", c.id, proposal.ProposalID, blockID, phase)
	c.pacemaker.SendProposal(&proposal, c.id, nil)
	// the pacemaker filters self-delivery, so process the proposal locally
	return c.processProposal(&proposal)
}

func (c *QCChain) processProposal(p *qcchain.ProposalMsg) *Commitment {
	policy := c.pacemaker.GetFinalizerPolicy()

	if !p.Justify.IsNull() {
		jp := c.store.Get(p.Justify.ProposalID)
		if jp == nil {
			c.logger.Debugf("%s: proposal %s justifies unknown proposal %s", c.id, p.ProposalID, p.Justify.ProposalID)
			return nil
		}
		if p.Justify.ActiveFinalizers == nil || p.Justify.ActiveFinalizers.Len() != policy.Len() {
			c.warn(WarningMalformedMessage)
			return nil
		}
		if !c.evaluateQuorum(policy, &p.Justify, jp) {
			c.warn(WarningVerificationFailure)
			return nil
		}
	}

	if p.ProposalID != qcchain.ProposalID(qcchain.DigestToSign(p.BlockID, p.PhaseCounter, p.FinalOnQC)) {
		c.warn(WarningMalformedMessage)
		return nil
	}

	if !c.store.Insert(p) {
		c.logger.Debugf("%s: duplicate proposal %s", c.id, p.ProposalID)
		return nil
	}

	var com *Commitment
	if p.Height() > c.vHeight {
		if c.isNodeSafe(p) {
			c.vHeight = p.Height()
			com = c.voteFor(p, policy)
		} else {
			c.warn(WarningUnsafeProposal)
		}
	}

	if c2 := c.update(p); com == nil {
		com = c2
	}
	return com
}

// voteFor signs the proposal with every locally operated finalizer present in
// the policy. Votes are processed directly when this replica is the leader,
// and sent through the pacemaker otherwise.
func (c *QCChain) voteFor(p *qcchain.ProposalMsg, policy *qcchain.FinalizerPolicy) *Commitment {
	var com *Commitment
	digest := qcchain.DigestToSign(p.BlockID, p.PhaseCounter, p.FinalOnQC)
	for _, fin := range policy.Finalizers {
		key, ok := c.finalizerKeys[fin.Name]
		if !ok {
			continue
		}
		sig, err := bls12.Sign(key, digest[:])
		if err != nil {
			c.logger.Errorf("%s: failed to sign proposal %s: %v", c.id, p.ProposalID, err)
			continue
		}
		vote := &qcchain.VoteMsg{ProposalID: p.ProposalID, Finalizer: fin.Name, Sig: sig}
		if c.amILeader() {
			if c2 := c.processVote(vote); com == nil {
				com = c2
			}
		} else {
			c.pacemaker.SendVote(vote, c.id, nil)
		}
	}
	return com
}

func (c *QCChain) processVote(v *qcchain.VoteMsg) *Commitment {
	if !c.amILeader() {
		c.logger.Debugf("%s: ignoring vote, not the leader", c.id)
		return nil
	}
	if v.ProposalID != c.currentQC.ProposalID {
		c.logger.Debugf("%s: vote for %s does not match current collection %s", c.id, v.ProposalID, c.currentQC.ProposalID)
		return nil
	}
	if c.currentQC.QuorumMet() {
		return nil
	}
	p := c.store.Get(v.ProposalID)
	if p == nil {
		c.warn(WarningStaleProposal)
		return nil
	}
	policy := c.pacemaker.GetFinalizerPolicy()
	idx := policy.IndexOf(v.Finalizer)
	if idx < 0 {
		c.warn(WarningUnknownFinalizer)
		return nil
	}
	if c.currentQC.ActiveFinalizers.Test(idx) {
		c.warn(WarningDuplicateVote)
		return nil
	}
	digest := qcchain.DigestToSign(p.BlockID, p.PhaseCounter, p.FinalOnQC)
	if v.Sig == nil || !bls12.Verify(policy.Finalizers[idx].PubKey, digest[:], v.Sig) {
		c.warn(WarningVerificationFailure)
		return nil
	}

	c.currentQC.AddVote(idx, v.Sig)
	if !c.evaluateQuorum(policy, &c.currentQC, p) {
		return nil
	}

	c.currentQC.SetQuorumMet()
	c.logger.Infof("%s: quorum met on %s (block %s, phase %d)", c.id, p.ProposalID, p.BlockID, p.PhaseCounter)
	c.updateHighQC(&c.currentQC)
	return c.advanceAfterQuorum(p)
}

// advanceAfterQuorum emits the proposal that follows a completed quorum:
// a pending block at phase 0 if one arrived while collecting, otherwise the
// next phase of the same block. In chained mode phases are pipelined across
// blocks, so only a pending block triggers an emission here.
func (c *QCChain) advanceAfterQuorum(p *qcchain.ProposalMsg) *Commitment {
	if !c.pendingProposalBlock.IsNull() {
		return c.emitProposal(c.pendingProposalBlock, 0)
	}
	if !c.chainedMode && p.PhaseCounter < 3 {
		return c.emitProposal(p.BlockID, p.PhaseCounter+1)
	}
	return nil
}

func (c *QCChain) processNewView(nv *qcchain.NewViewMsg) {
	if nv.HighQC.IsNull() {
		return
	}
	if !c.updateHighQC(&nv.HighQC) {
		c.logger.Debugf("%s: new_view high qc %s not adopted", c.id, nv.HighQC.ProposalID)
	}
}

func (c *QCChain) processNewBlock(nb *qcchain.NewBlockMsg) *Commitment {
	if !c.amILeader() {
		return nil
	}
	if !c.currentQC.IsNull() && !c.currentQC.QuorumMet() {
		c.pendingProposalBlock = nb.BlockID
		return nil
	}
	return c.emitProposal(nb.BlockID, 0)
}

// update applies the chaining rules for a newly stored proposal: the high QC
// follows the justification, a two-chain advances the lock, and a three-chain
// commits; outside chained mode its phases must also be consecutive.
func (c *QCChain) update(p *qcchain.ProposalMsg) *Commitment {
	justify := &p.Justify
	if justify.IsNull() {
		return nil
	}
	if c.updateHighQC(justify) {
		c.bLeaf = p.ProposalID
	}

	b2 := c.store.Get(justify.ProposalID) // newest link of the chain
	if b2 == nil {
		return nil
	}
	b1 := c.store.Get(b2.Justify.ProposalID) // middle link
	if b1 == nil {
		return nil
	}

	if b2.ParentID == b1.ProposalID {
		// two-chain: the lock advances to the middle link
		if c.bLock.IsNull() || b1.Height() > c.heightOf(c.bLock) {
			c.bLock = b1.ProposalID
		}
	}

	b := c.store.Get(b1.Justify.ProposalID) // oldest link
	if b == nil {
		return nil
	}

	if b2.ParentID != b1.ProposalID || b1.ParentID != b.ProposalID {
		return nil
	}
	if !c.chainedMode && (b.Height()+1 != b1.Height() || b1.Height()+1 != b2.Height()) {
		// the three-chain must be phase-contiguous
		return nil
	}
	return c.commitChain(b)
}

// commitChain finalizes b and every uncommitted ancestor down to the last
// executed proposal. It detects conflicts between the chain to commit and
// the already executed chain, recording them as finality violations.
func (c *QCChain) commitChain(b *qcchain.ProposalMsg) *Commitment {
	if !c.bExec.IsNull() && b.Height() <= c.bExecHeight {
		return nil
	}

	var (
		chain   []*qcchain.ProposalMsg
		reached bool
		missing bool
	)
	cur := b
	for {
		chain = append(chain, cur)
		if c.bExec.IsNull() {
			if cur.ParentID.IsNull() {
				reached = true
				break
			}
		} else if cur.ParentID == c.bExec {
			reached = true
			break
		}
		next := c.store.Get(cur.ParentID)
		if next == nil {
			missing = true
			break
		}
		if !c.bExec.IsNull() && next.Height() <= c.bExecHeight {
			// walked past the executed height without meeting it
			break
		}
		cur = next
	}

	if missing {
		c.logger.Debugf("%s: cannot commit %s, ancestor missing from store", c.id, b.ProposalID)
		return nil
	}
	if !reached {
		c.bFinalityViolation = b.ProposalID
		c.logger.Errorf("%s: finality violation, %s conflicts with executed chain at %s", c.id, b.ProposalID, c.bExec)
		return nil
	}

	com := &Commitment{}
	for i := len(chain) - 1; i >= 0; i-- {
		blockID := chain[i].BlockID
		if blockID == c.blockExec {
			continue
		}
		if n := len(com.Blocks); n == 0 || com.Blocks[n-1] != blockID {
			com.Blocks = append(com.Blocks, blockID)
		}
	}

	c.bExec = b.ProposalID
	c.bExecHeight = b.Height()
	c.blockExec = b.BlockID
	if b.Height() > GCHorizon {
		c.store.GC(b.Height() - GCHorizon)
	}

	if len(com.Blocks) == 0 {
		return nil
	}
	c.logger.Infof("%s: committed %d block(s) up to %s", c.id, len(com.Blocks), b.BlockID)
	return com
}
