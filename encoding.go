package qcchain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/solumlabs/qcchain/crypto"
	"github.com/solumlabs/qcchain/crypto/bls12"
)

// Wire format: integers are little-endian; variable-length fields carry a
// 32-bit length prefix; bitsets are encoded as a bit count, a block count, and
// then their 32-bit blocks. The quorum-met flag of a certificate is never
// serialized.

var errShortMessage = errors.New("qcchain: message truncated")

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) id(v [32]byte) {
	e.buf = append(e.buf, v[:]...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) bitset(b *crypto.Bitset) {
	if b == nil {
		e.u32(0)
		e.u32(0)
		return
	}
	blocks := b.Blocks()
	e.u32(uint32(b.Len()))
	e.u32(uint32(len(blocks)))
	for _, block := range blocks {
		e.u32(block)
	}
}

func (e *encoder) quorumCert(qc *QuorumCert) {
	e.id(qc.ProposalID)
	e.bitset(qc.ActiveFinalizers)
	if qc.ActiveAggSig == nil {
		e.bytes(nil)
	} else {
		e.bytes(qc.ActiveAggSig.ToBytes())
	}
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errShortMessage
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || len(d.b) < 1 {
		d.fail()
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || len(d.b) < 4 {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) id() (v [32]byte) {
	if d.err != nil || len(d.b) < 32 {
		d.fail()
		return v
	}
	copy(v[:], d.b)
	d.b = d.b[32:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err != nil || uint32(len(d.b)) < n {
		d.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b)
	d.b = d.b[n:]
	return v
}

func (d *decoder) bitset() *crypto.Bitset {
	nbits := d.u32()
	nblocks := d.u32()
	if d.err != nil || uint32(len(d.b)) < 4*nblocks {
		d.fail()
		return nil
	}
	blocks := make([]uint32, nblocks)
	for i := range blocks {
		blocks[i] = d.u32()
	}
	b := crypto.BitsetFromBlocks(int(nbits), blocks)
	if b == nil {
		d.err = fmt.Errorf("qcchain: bitset length %d does not match %d blocks", nbits, nblocks)
	}
	return b
}

func (d *decoder) quorumCert() (qc QuorumCert) {
	qc.ProposalID = ProposalID(d.id())
	qc.ActiveFinalizers = d.bitset()
	sig := d.bytes()
	if d.err != nil {
		return qc
	}
	if len(sig) > 0 {
		agg, err := bls12.AggregateFromBytes(sig)
		if err != nil {
			d.err = err
			return qc
		}
		qc.ActiveAggSig = agg
	} else {
		qc.ActiveAggSig = bls12.NewAggregateSignature()
	}
	return qc
}

// Marshal encodes the message with its 1-byte type tag.
func (m Msg) Marshal() ([]byte, error) {
	e := &encoder{}
	switch {
	case m.Proposal != nil:
		p := m.Proposal
		e.u8(uint8(MsgTypeQC))
		e.id(p.ProposalID)
		e.id(p.BlockID)
		e.id(p.ParentID)
		e.id(p.FinalOnQC)
		e.quorumCert(&p.Justify)
		e.u8(p.PhaseCounter)
	case m.Vote != nil:
		v := m.Vote
		e.u8(uint8(MsgTypeVote))
		e.id(v.ProposalID)
		e.bytes([]byte(v.Finalizer))
		if v.Sig == nil {
			return nil, errors.New("qcchain: vote without signature")
		}
		e.bytes(v.Sig.ToBytes())
	case m.NewView != nil:
		e.u8(uint8(MsgTypeNewView))
		e.quorumCert(&m.NewView.HighQC)
	case m.NewBlock != nil:
		e.u8(uint8(MsgTypeNewBlock))
		e.id(m.NewBlock.BlockID)
		e.quorumCert(&m.NewBlock.Justify)
	default:
		return nil, errors.New("qcchain: empty message union")
	}
	return e.buf, nil
}

// UnmarshalMsg decodes a message from its framed byte representation.
func UnmarshalMsg(b []byte) (Msg, error) {
	d := &decoder{b: b}
	tag := MsgType(d.u8())
	var m Msg
	switch tag {
	case MsgTypeQC:
		p := &ProposalMsg{}
		p.ProposalID = ProposalID(d.id())
		p.BlockID = BlockID(d.id())
		p.ParentID = ProposalID(d.id())
		p.FinalOnQC = ProposalID(d.id())
		p.Justify = d.quorumCert()
		p.PhaseCounter = d.u8()
		m.Proposal = p
	case MsgTypeVote:
		v := &VoteMsg{}
		v.ProposalID = ProposalID(d.id())
		v.Finalizer = Name(d.bytes())
		sig := d.bytes()
		if d.err == nil {
			v.Sig = &bls12.Signature{}
			if err := v.Sig.FromBytes(sig); err != nil {
				return Msg{}, err
			}
		}
		m.Vote = v
	case MsgTypeNewView:
		nv := &NewViewMsg{}
		nv.HighQC = d.quorumCert()
		m.NewView = nv
	case MsgTypeNewBlock:
		nb := &NewBlockMsg{}
		nb.BlockID = BlockID(d.id())
		nb.Justify = d.quorumCert()
		m.NewBlock = nb
	default:
		return Msg{}, fmt.Errorf("qcchain: unknown message tag %d", uint8(tag))
	}
	if d.err != nil {
		return Msg{}, d.err
	}
	if len(d.b) != 0 {
		return Msg{}, fmt.Errorf("qcchain: %d trailing bytes after message", len(d.b))
	}
	return m, nil
}
