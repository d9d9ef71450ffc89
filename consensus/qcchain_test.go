package consensus_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/solumlabs/qcchain"
	"github.com/solumlabs/qcchain/consensus"
	"github.com/solumlabs/qcchain/crypto/bls12"
	"github.com/solumlabs/qcchain/logging"
	"github.com/solumlabs/qcchain/testpm"
)

func quietLogger() logging.Logger {
	return logging.NewWithDest(io.Discard, "test")
}

func testBlockID(num uint32, fill byte) qcchain.BlockID {
	var id qcchain.BlockID
	id[0] = byte(num >> 24)
	id[1] = byte(num >> 16)
	id[2] = byte(num >> 8)
	id[3] = byte(num)
	for i := 4; i < len(id); i++ {
		id[i] = fill
	}
	return id
}

// network hosts n replicas r0..r(n-1) on a test pacemaker, each operating one
// finalizer, fully connected. Replicas listed in withoutKeys run without a
// signing key and therefore never vote.
type network struct {
	t     *testing.T
	pm    *testpm.TestPacemaker
	names []qcchain.Name
}

func newNetwork(t *testing.T, n, quorumThreshold int, withoutKeys ...qcchain.Name) *network {
	t.Helper()
	net := &network{t: t, pm: testpm.New(quietLogger())}

	keyless := make(map[qcchain.Name]bool)
	for _, name := range withoutKeys {
		keyless[name] = true
	}

	policy := qcchain.FinalizerPolicy{}
	keys := make(map[qcchain.Name]*bls12.PrivateKey)
	for i := 0; i < n; i++ {
		name := qcchain.Name(fmt.Sprintf("r%d", i))
		key := bls12.PrivateKeyFromSeed([]byte{byte(i + 1)})
		net.names = append(net.names, name)
		keys[name] = key
		policy.Finalizers = append(policy.Finalizers, qcchain.FinalizerAuthority{Name: name, PubKey: key.Public()})
	}
	net.pm.SetFinalizerPolicy(policy)
	net.pm.SetQuorumThreshold(quorumThreshold)

	for _, name := range net.names {
		var finalizerKeys map[qcchain.Name]*bls12.PrivateKey
		if !keyless[name] {
			finalizerKeys = map[qcchain.Name]*bls12.PrivateKey{name: keys[name]}
		}
		net.pm.RegisterQCChain(name, consensus.New(name, net.pm, finalizerKeys, quietLogger(), false))
	}
	return net
}

func (net *network) setRoles(proposer, leader, nextLeader qcchain.Name) {
	net.pm.SetProposer(proposer)
	net.pm.SetLeader(leader)
	net.pm.SetNextLeader(nextLeader)
}

// drain dispatches everything until the queue is empty.
func (net *network) drain() {
	net.t.Helper()
	for i := 0; i < 100 && net.pm.QueueLen() > 0; i++ {
		net.pm.Dispatch("drain", -1, testpm.AllMessages)
	}
	if net.pm.QueueLen() > 0 {
		net.t.Fatalf("queue did not drain: %d message(s) left", net.pm.QueueLen())
	}
}

func (net *network) state(name qcchain.Name) qcchain.FinalizerState {
	return net.pm.Replica(name).GetState()
}

// produceBlock runs one block through its phases under a fixed leader.
func (net *network) produceBlock(leader qcchain.Name, block qcchain.BlockID) {
	net.t.Helper()
	net.setRoles(leader, leader, leader)
	net.pm.SetCurrentBlockID(block)
	net.pm.Beat()
	net.drain()
}

func TestHappyPathCommit(t *testing.T) {
	net := newNetwork(t, 4, 3)
	block := testBlockID(1, 0x01)

	net.produceBlock("r0", block)

	for _, name := range net.names {
		if coms := net.pm.Commitments(name); len(coms) == 0 {
			t.Errorf("%s produced no commitment", name)
		} else if got := coms[0].Blocks; len(got) != 1 || got[0] != block {
			t.Errorf("%s committed %v, want [%s]", name, got, block)
		}
		fs := net.state(name)
		if fs.BlockExec != block {
			t.Errorf("%s block_exec = %s, want %s", name, fs.BlockExec, block)
		}
		if fs.BExec.IsNull() {
			t.Errorf("%s b_exec is null after commit", name)
		}
		if !fs.BFinalityViolation.IsNull() {
			t.Errorf("%s reports a finality violation", name)
		}
	}
}

func TestVHeightMonotonicAndSingleVotePerHeight(t *testing.T) {
	net := newNetwork(t, 4, 3)
	block := testBlockID(1, 0x01)
	net.setRoles("r0", "r0", "r0")
	net.pm.SetCurrentBlockID(block)
	net.pm.Beat()

	// each round drains the pending votes, recording the height each was cast
	// at, then dispatches one more message; every replica's v_height is
	// checked after each round
	last := make(map[qcchain.Name]uint64)
	voteHeights := make(map[qcchain.Name]map[uint64]int)
	for _, name := range net.names {
		voteHeights[name] = make(map[uint64]int)
	}

	for i := 0; i < 200 && net.pm.QueueLen() > 0; i++ {
		votes := net.pm.DispatchReturning("step", testpm.Votes)
		for _, v := range votes {
			// map the vote back to its proposal height at the sender
			fs := net.state(v.Sender)
			if p := fs.GetProposal(v.Msg.Vote.ProposalID); p != nil {
				voteHeights[v.Msg.Vote.Finalizer][p.Height()]++
			}
		}
		net.pm.Dispatch("step", 1, testpm.AllMessages)
		for _, name := range net.names {
			h := net.state(name).VHeight
			if h < last[name] {
				t.Fatalf("%s v_height decreased from %d to %d", name, last[name], h)
			}
			last[name] = h
		}
	}

	for name, heights := range voteHeights {
		for h, n := range heights {
			if n > 1 {
				t.Errorf("%s voted %d times at height %d", name, n, h)
			}
		}
	}
}

func TestLockMonotonicity(t *testing.T) {
	net := newNetwork(t, 4, 3)
	net.setRoles("r0", "r0", "r0")

	lastLock := make(map[qcchain.Name]qcchain.ProposalID)
	for blockNum := uint32(1); blockNum <= 3; blockNum++ {
		net.pm.SetCurrentBlockID(testBlockID(blockNum, byte(blockNum)))
		net.pm.Beat()
		for i := 0; i < 200 && net.pm.QueueLen() > 0; i++ {
			net.pm.Dispatch("step", 1, testpm.AllMessages)
			for _, name := range net.names {
				fs := net.state(name)
				prev := lastLock[name]
				if prev.IsNull() || fs.BLock == prev {
					lastLock[name] = fs.BLock
					continue
				}
				// the new lock must be a descendant of the previous lock
				cur := fs.BLock
				found := false
				for !cur.IsNull() {
					if cur == prev {
						found = true
						break
					}
					p := fs.GetProposal(cur)
					if p == nil {
						break
					}
					cur = p.ParentID
				}
				if !found {
					t.Fatalf("%s lock moved from %s to a non-descendant %s", name, prev, fs.BLock)
				}
				lastLock[name] = fs.BLock
			}
		}
	}
}

func TestSafetyUnderPartition(t *testing.T) {
	net := newNetwork(t, 4, 3)

	// split {r0, r1} from {r2, r3}
	net.pm.Disconnect([]qcchain.Name{"r0", "r1", "r2", "r3"})
	net.pm.Connect([]qcchain.Name{"r0", "r1"})
	net.pm.Connect([]qcchain.Name{"r2", "r3"})

	net.setRoles("r0", "r0", "r0")
	for i := 0; i < 10; i++ {
		net.pm.SetCurrentBlockID(testBlockID(uint32(i+1), 0x01))
		net.pm.Beat()
		net.drain()
	}

	for _, name := range net.names {
		if coms := net.pm.Commitments(name); len(coms) != 0 {
			t.Errorf("%s committed despite the partition", name)
		}
		fs := net.state(name)
		if !fs.BlockExec.IsNull() {
			t.Errorf("%s executed a block despite the partition", name)
		}
		if !fs.BFinalityViolation.IsNull() {
			t.Errorf("%s reports a finality violation", name)
		}
	}
}

func TestDuplicateVoteIdempotence(t *testing.T) {
	// r0 leads but operates no finalizer, so the single piped vote is the
	// only contribution to its certificate
	net := newNetwork(t, 4, 3, "r0")
	net.setRoles("r0", "r0", "r0")
	net.pm.SetCurrentBlockID(testBlockID(1, 0x01))
	net.pm.Beat()
	net.pm.Dispatch("proposal", -1, testpm.Proposals)

	// park the voters' messages: drain them while the leader is away
	net.pm.Deactivate("r0")
	votes := net.pm.DispatchReturning("park", testpm.Votes)
	net.pm.Activate("r0")
	if len(votes) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(votes))
	}

	net.pm.AddMessageToQueue(votes[0])
	net.pm.Duplicate(testpm.Votes)
	net.pm.Dispatch("dup", -1, testpm.Votes)

	fs := net.state("r0")
	if got := fs.CurrentQC.ActiveFinalizers.Count(); got != 1 {
		t.Errorf("current_qc popcount = %d, want 1", got)
	}

	found := false
	for _, w := range net.pm.Warnings() {
		if w.Code == consensus.WarningDuplicateVote {
			found = true
		}
	}
	if !found {
		t.Error("duplicate vote was not reported")
	}
}

func TestLeaderRotationEmitsNewView(t *testing.T) {
	net := newNetwork(t, 4, 3)
	net.setRoles("r0", "r0", "r1")
	net.pm.SetCurrentBlockID(testBlockID(1, 0x01))
	net.pm.Beat()

	msgs := net.pm.DispatchReturning("rot", testpm.AllMessages)
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d message(s), want exactly 1", len(msgs))
	}
	nv := msgs[0].Msg.NewView
	if nv == nil {
		t.Fatalf("expected a new_view, got %s", msgs[0].Msg)
	}
	// at genesis the high QC is still null
	if !nv.HighQC.ProposalID.IsNull() {
		t.Errorf("new_view carries high qc %s, want the sender's high qc", nv.HighQC.ProposalID)
	}
	if msgs[0].Sender != "r0" {
		t.Errorf("new_view sender = %s, want r0", msgs[0].Sender)
	}
}

func TestStaleProposalRejected(t *testing.T) {
	net := newNetwork(t, 4, 3)
	net.setRoles("r3", "r3", "r3") // keep replicas passive receivers

	block := testBlockID(1, 0x01)
	p := &qcchain.ProposalMsg{BlockID: block, PhaseCounter: 0}
	p.ProposalID = qcchain.ProposalID(qcchain.DigestToSign(block, 0, qcchain.NullProposalID))
	msg := testpm.QueuedMsg{Sender: "tester", Msg: qcchain.Msg{Proposal: p}}

	net.pm.Pipe([]testpm.QueuedMsg{msg})
	first := net.state("r0")
	if got, want := first.VHeight, qcchain.ComputeHeight(1, 0); got != want {
		t.Fatalf("v_height after first delivery = %d, want %d", got, want)
	}
	if len(first.Proposals) != 1 {
		t.Fatalf("store holds %d proposals, want 1", len(first.Proposals))
	}

	net.pm.Pipe([]testpm.QueuedMsg{msg})
	second := net.state("r0")
	if second.VHeight != first.VHeight {
		t.Errorf("v_height changed on duplicate delivery: %d -> %d", first.VHeight, second.VHeight)
	}
	if len(second.Proposals) != 1 {
		t.Errorf("duplicate proposal was stored")
	}
}

func TestGCEvictsBelowHorizon(t *testing.T) {
	net := newNetwork(t, 4, 3)

	for blockNum := uint32(1); blockNum <= 3; blockNum++ {
		net.produceBlock("r0", testBlockID(blockNum, byte(blockNum)))
	}

	for _, name := range net.names {
		fs := net.state(name)
		if fs.BExec.IsNull() {
			t.Fatalf("%s has not committed", name)
		}
		execHeight := fs.GetProposal(fs.BExec).Height()
		if execHeight <= consensus.GCHorizon {
			t.Fatalf("%s exec height %d below the GC horizon", name, execHeight)
		}
		cutoff := execHeight - consensus.GCHorizon
		for id, p := range fs.Proposals {
			if p.Height() < cutoff {
				t.Errorf("%s retains proposal %s at height %d below cutoff %d", name, id, p.Height(), cutoff)
			}
		}
	}
}

func TestCommitsAcrossBlocks(t *testing.T) {
	net := newNetwork(t, 4, 3)

	blocks := []qcchain.BlockID{
		testBlockID(1, 0x01),
		testBlockID(2, 0x02),
		testBlockID(3, 0x03),
	}
	for _, block := range blocks {
		net.produceBlock("r0", block)
	}

	for _, name := range net.names {
		var committed []qcchain.BlockID
		for _, com := range net.pm.Commitments(name) {
			committed = append(committed, com.Blocks...)
		}
		if len(committed) != len(blocks) {
			t.Fatalf("%s committed %d block(s), want %d", name, len(committed), len(blocks))
		}
		for i, block := range blocks {
			if committed[i] != block {
				t.Errorf("%s commitment %d = %s, want %s", name, i, committed[i], block)
			}
		}
	}
}

func TestStateVersionAdvances(t *testing.T) {
	net := newNetwork(t, 4, 3)
	replica := net.pm.Replica("r0")

	before := replica.StateVersion()
	net.produceBlock("r0", testBlockID(1, 0x01))
	if after := replica.StateVersion(); after <= before {
		t.Errorf("state version did not advance: %d -> %d", before, after)
	}
}

func TestQuorumRequiresThreshold(t *testing.T) {
	// with only the leader voting, a threshold of 3 is never reached
	net := newNetwork(t, 4, 3, "r1", "r2", "r3")
	net.produceBlock("r0", testBlockID(1, 0x01))

	fs := net.state("r0")
	if fs.CurrentQC.QuorumMet() {
		t.Error("quorum met with a single vote")
	}
	if got := fs.CurrentQC.ActiveFinalizers.Count(); got != 1 {
		t.Errorf("current_qc popcount = %d, want 1", got)
	}
	if !fs.BlockExec.IsNull() {
		t.Error("a block was executed without quorum")
	}
}
