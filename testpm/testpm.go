// Package testpm provides a deterministic, in-process pacemaker that hosts
// multiple QCChain replicas over a simulated network.
//
// Outbound messages are appended to a pending queue and delivered only under
// Dispatch or Pipe, which makes runs deterministic and replayable. Delivery
// round-trips every message through its wire encoding, so replicas never
// share message memory and the codec is exercised on every hop.
package testpm

import (
	"fmt"
	"sort"

	"github.com/solumlabs/qcchain"
	"github.com/solumlabs/qcchain/consensus"
	"github.com/solumlabs/qcchain/logging"
)

// MsgFilter selects a message variant for Dispatch and Duplicate.
type MsgFilter int

const (
	Proposals MsgFilter = iota
	Votes
	NewViews
	NewBlocks
	AllMessages
)

func (f MsgFilter) matches(m qcchain.Msg) bool {
	switch f {
	case Proposals:
		return m.Proposal != nil
	case Votes:
		return m.Vote != nil
	case NewViews:
		return m.NewView != nil
	case NewBlocks:
		return m.NewBlock != nil
	case AllMessages:
		return true
	}
	return false
}

// QueuedMsg is a pending message together with the name of its sender.
type QueuedMsg struct {
	Sender qcchain.Name
	Msg    qcchain.Msg
}

// Warning records a protocol fault reported by a replica.
type Warning struct {
	Sender qcchain.Name
	Code   consensus.WarningCode
}

// TestPacemaker hosts a set of replicas and gives tests full control over
// role assignment, message delivery, and network topology. It is not safe
// for concurrent use; scenarios drive it from a single goroutine.
type TestPacemaker struct {
	logger logging.Logger

	replicas    map[qcchain.Name]*consensus.QCChain
	order       []qcchain.Name
	deactivated map[qcchain.Name]struct{}

	// topology: net[a][b] means a and b are connected. Kept symmetric.
	// Messages to self are always filtered, regardless of topology.
	net map[qcchain.Name]map[qcchain.Name]bool

	queue []QueuedMsg

	proposer        qcchain.Name
	leader          qcchain.Name
	nextLeader      qcchain.Name
	policy          qcchain.FinalizerPolicy
	currentBlockID  qcchain.BlockID
	quorumThreshold int

	commitments map[qcchain.Name][]*consensus.Commitment
	warnings    []Warning
}

var _ consensus.Pacemaker = (*TestPacemaker)(nil)

// New returns an empty test pacemaker.
func New(logger logging.Logger) *TestPacemaker {
	return &TestPacemaker{
		logger:      logger,
		replicas:    make(map[qcchain.Name]*consensus.QCChain),
		deactivated: make(map[qcchain.Name]struct{}),
		net:         make(map[qcchain.Name]map[qcchain.Name]bool),
		commitments: make(map[qcchain.Name][]*consensus.Commitment),
	}
}

// RegisterQCChain adds a replica to the pacemaker. Newly registered replicas
// are active and connected to every previously registered replica.
func (pm *TestPacemaker) RegisterQCChain(name qcchain.Name, qcc *consensus.QCChain) {
	if _, ok := pm.replicas[name]; ok {
		panic(fmt.Sprintf("testpm: replica %s registered twice", name))
	}
	for _, other := range pm.order {
		pm.link(name, other)
	}
	pm.replicas[name] = qcc
	pm.order = append(pm.order, name)
}

// Activate marks a replica as active again.
func (pm *TestPacemaker) Activate(name qcchain.Name) {
	delete(pm.deactivated, name)
}

// Deactivate removes a replica from beats and message delivery. Pending
// messages addressed to it are discarded at delivery time.
func (pm *TestPacemaker) Deactivate(name qcchain.Name) {
	pm.deactivated[name] = struct{}{}
}

// IsActive reports whether the named replica takes part in beats and delivery.
func (pm *TestPacemaker) IsActive(name qcchain.Name) bool {
	_, off := pm.deactivated[name]
	return !off
}

func (pm *TestPacemaker) link(a, b qcchain.Name) {
	if pm.net[a] == nil {
		pm.net[a] = make(map[qcchain.Name]bool)
	}
	if pm.net[b] == nil {
		pm.net[b] = make(map[qcchain.Name]bool)
	}
	pm.net[a][b] = true
	pm.net[b][a] = true
}

func (pm *TestPacemaker) unlink(a, b qcchain.Name) {
	delete(pm.net[a], b)
	delete(pm.net[b], a)
}

// Connect links every pair of the listed nodes.
func (pm *TestPacemaker) Connect(nodes []qcchain.Name) {
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if a != b {
				pm.link(a, b)
			}
		}
	}
}

// Disconnect severs every pair of the listed nodes.
func (pm *TestPacemaker) Disconnect(nodes []qcchain.Name) {
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			pm.unlink(a, b)
		}
	}
}

// IsConnected reports whether two nodes can exchange messages. It is
// symmetric by construction.
func (pm *TestPacemaker) IsConnected(a, b qcchain.Name) bool {
	return pm.net[a][b]
}

// State setters; subsequent pacemaker queries return these values.

func (pm *TestPacemaker) SetProposer(name qcchain.Name)   { pm.proposer = name }
func (pm *TestPacemaker) SetLeader(name qcchain.Name)     { pm.leader = name }
func (pm *TestPacemaker) SetNextLeader(name qcchain.Name) { pm.nextLeader = name }

func (pm *TestPacemaker) SetFinalizerPolicy(policy qcchain.FinalizerPolicy) {
	pm.policy = policy
}

func (pm *TestPacemaker) SetCurrentBlockID(id qcchain.BlockID) {
	pm.currentBlockID = id
}

// SetQuorumThreshold overrides the quorum threshold computed from the policy.
// A value of 0 restores the computed default.
func (pm *TestPacemaker) SetQuorumThreshold(threshold int) {
	pm.quorumThreshold = threshold
}

// Pacemaker queries.

func (pm *TestPacemaker) GetProposer() qcchain.Name   { return pm.proposer }
func (pm *TestPacemaker) GetLeader() qcchain.Name     { return pm.leader }
func (pm *TestPacemaker) GetNextLeader() qcchain.Name { return pm.nextLeader }

func (pm *TestPacemaker) GetFinalizerPolicy() *qcchain.FinalizerPolicy {
	return &pm.policy
}

func (pm *TestPacemaker) GetCurrentBlockID() qcchain.BlockID {
	return pm.currentBlockID
}

func (pm *TestPacemaker) GetQuorumThreshold() int {
	return pm.quorumThreshold
}

// Emission callbacks. All of them only append to the pending queue; delivery
// happens under Dispatch or Pipe.

func (pm *TestPacemaker) SendProposal(msg *qcchain.ProposalMsg, sender qcchain.Name, _ *qcchain.Name) {
	pm.enqueue(QueuedMsg{Sender: sender, Msg: qcchain.Msg{Proposal: msg}})
}

func (pm *TestPacemaker) SendVote(msg *qcchain.VoteMsg, sender qcchain.Name, _ *qcchain.Name) {
	pm.enqueue(QueuedMsg{Sender: sender, Msg: qcchain.Msg{Vote: msg}})
}

func (pm *TestPacemaker) SendNewView(msg *qcchain.NewViewMsg, sender qcchain.Name, _ *qcchain.Name) {
	pm.enqueue(QueuedMsg{Sender: sender, Msg: qcchain.Msg{NewView: msg}})
}

func (pm *TestPacemaker) SendNewBlock(msg *qcchain.NewBlockMsg, sender qcchain.Name, _ *qcchain.Name) {
	pm.enqueue(QueuedMsg{Sender: sender, Msg: qcchain.Msg{NewBlock: msg}})
}

func (pm *TestPacemaker) SendMessageWarning(sender qcchain.Name, code consensus.WarningCode) {
	pm.warnings = append(pm.warnings, Warning{Sender: sender, Code: code})
}

func (pm *TestPacemaker) enqueue(m QueuedMsg) {
	pm.queue = append(pm.queue, m)
}

// AddMessageToQueue appends a message without delivering it.
func (pm *TestPacemaker) AddMessageToQueue(m QueuedMsg) {
	pm.enqueue(m)
}

// QueueLen returns the number of pending messages.
func (pm *TestPacemaker) QueueLen() int {
	return len(pm.queue)
}

// Beat invokes OnBeat on each active replica, in registration order.
func (pm *TestPacemaker) Beat() {
	for _, name := range pm.order {
		if pm.IsActive(name) {
			pm.replicas[name].OnBeat()
		}
	}
}

// Pipe delivers exactly the given messages, bypassing the pending queue.
func (pm *TestPacemaker) Pipe(msgs []QueuedMsg) {
	for _, m := range msgs {
		pm.deliver(m)
	}
}

// Duplicate doubles every queued message of the given type, leaving the
// duplicates adjacent to their originals. It exercises delivery idempotence.
func (pm *TestPacemaker) Duplicate(filter MsgFilter) {
	out := make([]QueuedMsg, 0, 2*len(pm.queue))
	for _, m := range pm.queue {
		out = append(out, m)
		if filter.matches(m.Msg) {
			out = append(out, m)
		}
	}
	pm.queue = out
}

// Dispatch drains up to count pending messages of the given type, delivering
// each to all active connected recipients. A count < 0 drains all of them.
// It returns the number of messages delivered.
func (pm *TestPacemaker) Dispatch(memo string, count int, filter MsgFilter) int {
	return len(pm.drain(memo, count, filter))
}

// DispatchReturning drains and delivers every pending message of the given
// type, and returns the drained messages for inspection.
func (pm *TestPacemaker) DispatchReturning(memo string, filter MsgFilter) []QueuedMsg {
	return pm.drain(memo, -1, filter)
}

// drain removes up to count messages matching filter from the queue snapshot
// taken at call time, then delivers them in FIFO order. Messages enqueued
// during delivery stay pending until the next dispatch.
func (pm *TestPacemaker) drain(memo string, count int, filter MsgFilter) []QueuedMsg {
	var taken, rest []QueuedMsg
	for _, m := range pm.queue {
		if filter.matches(m.Msg) && (count < 0 || len(taken) < count) {
			taken = append(taken, m)
		} else {
			rest = append(rest, m)
		}
	}
	pm.queue = rest
	if memo != "" {
		pm.logger.Debugf("dispatch %q: delivering %d message(s), %d left in queue", memo, len(taken), len(rest))
	}
	for _, m := range taken {
		pm.deliver(m)
	}
	return taken
}

// deliver routes one message to every active connected recipient, iterating
// recipients in name order. Each recipient gets its own copy, decoded from
// the message's wire encoding.
func (pm *TestPacemaker) deliver(m QueuedMsg) {
	wire, err := m.Msg.Marshal()
	if err != nil {
		panic(fmt.Sprintf("testpm: cannot marshal %s from %s: %v", m.Msg, m.Sender, err))
	}

	// senders outside the replica set (test-injected traffic) reach everyone
	_, senderKnown := pm.replicas[m.Sender]

	recipients := make([]qcchain.Name, 0, len(pm.order))
	for _, name := range pm.order {
		if name == m.Sender || !pm.IsActive(name) {
			continue
		}
		if senderKnown && !pm.IsConnected(m.Sender, name) {
			continue
		}
		recipients = append(recipients, name)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })

	for _, name := range recipients {
		copied, err := qcchain.UnmarshalMsg(wire)
		if err != nil {
			panic(fmt.Sprintf("testpm: cannot unmarshal %s: %v", m.Msg, err))
		}
		if com := pm.replicas[name].OnMsg(copied); com != nil {
			pm.commitments[name] = append(pm.commitments[name], com)
		}
	}
}

// Replica returns the registered replica with the given name, or nil.
func (pm *TestPacemaker) Replica(name qcchain.Name) *consensus.QCChain {
	return pm.replicas[name]
}

// Commitments returns the commitments produced by the named replica during
// message delivery, in order.
func (pm *TestPacemaker) Commitments(name qcchain.Name) []*consensus.Commitment {
	return pm.commitments[name]
}

// Warnings returns all protocol faults reported so far.
func (pm *TestPacemaker) Warnings() []Warning {
	return pm.warnings
}
