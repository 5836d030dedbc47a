package bpv6

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/sdnv"
)

// Version is the only bundle protocol version this codec speaks.
const Version = 6

// Primary block processing-control flag bits (RFC 5050 §4.2).
const (
	pcfFragment        uint64 = 0x000001
	pcfAdminRecord     uint64 = 0x000002
	pcfNoFragmentation uint64 = 0x000004
	pcfCustodyRequest  uint64 = 0x000008
	pcfSingleton       uint64 = 0x000010
	pcfPriorityNormal  uint64 = 0x000080
)

// Fixed SDNV widths used when building a primary block. Fixed widths
// keep the header length independent of the values written into it, so
// later in-place updates never move bytes.
const (
	widthPCF      = 3
	widthBlockLen = 3
	widthIPN      = 5
	widthCreateTM = 6
	widthCreateSq = 4
	widthLifetime = 4
	widthFragment = 4
)

// primaryBlock is the decoded form of an RFC 5050 primary block with a
// zero-length dictionary (CBHE endpoint numbers).
type primaryBlock struct {
	procFlags  uint64
	dstNode    IPN
	dstService IPN
	srcNode    IPN
	srcService IPN
	rptNode    IPN
	rptService IPN
	cstNode    IPN
	cstService IPN
	createTime uint64
	createSeq  uint64
	lifetime   uint64
	fragOffset uint64
	totalLen   uint64
	size       int // encoded size in bytes
}

func (p *primaryBlock) isAdmin() bool     { return p.procFlags&pcfAdminRecord != 0 }
func (p *primaryBlock) isFragment() bool  { return p.procFlags&pcfFragment != 0 }
func (p *primaryBlock) wantsCustody() bool { return p.procFlags&pcfCustodyRequest != 0 }

// expiration returns the absolute expiration time in seconds, or zero
// for an unbounded lifetime.
func (p *primaryBlock) expiration() uint64 {
	if p.lifetime == 0 {
		return 0
	}

	return p.createTime + p.lifetime
}

// writePrimary appends a primary block to buf and returns the extended
// slice.
func writePrimary(buf []byte, p *primaryBlock, flags *Flags) []byte {
	bodyLen := 8*widthIPN + widthCreateTM + widthCreateSq + widthLifetime + 1
	if p.isFragment() {
		bodyLen += 2 * widthFragment
	}

	start := len(buf)
	buf = append(buf, make([]byte, 1+widthPCF+widthBlockLen+bodyLen)...)
	buf[start] = Version

	off := start + 1
	fields := []sdnv.Field{
		{Value: p.procFlags, Index: off, Width: widthPCF},
		{Value: uint64(bodyLen), Index: off + widthPCF, Width: widthBlockLen},
	}

	off += widthPCF + widthBlockLen
	for _, v := range []uint64{
		uint64(p.dstNode), uint64(p.dstService),
		uint64(p.srcNode), uint64(p.srcService),
		uint64(p.rptNode), uint64(p.rptService),
		uint64(p.cstNode), uint64(p.cstService),
	} {
		fields = append(fields, sdnv.Field{Value: v, Index: off, Width: widthIPN})
		off += widthIPN
	}

	fields = append(fields,
		sdnv.Field{Value: p.createTime, Index: off, Width: widthCreateTM},
		sdnv.Field{Value: p.createSeq, Index: off + widthCreateTM, Width: widthCreateSq},
		sdnv.Field{Value: p.lifetime, Index: off + widthCreateTM + widthCreateSq, Width: widthLifetime},
	)
	off += widthCreateTM + widthCreateSq + widthLifetime

	buf[off] = 0 // dictionary length
	off++

	if p.isFragment() {
		fields = append(fields,
			sdnv.Field{Value: p.fragOffset, Index: off, Width: widthFragment},
			sdnv.Field{Value: p.totalLen, Index: off + widthFragment, Width: widthFragment},
		)
	}

	for _, f := range fields {
		_, _ = sdnv.Write(buf, f, flags.raw())
	}

	p.size = len(buf) - start

	return buf
}

// readPrimary decodes a primary block from the front of buf.
func readPrimary(buf []byte, flags *Flags) (*primaryBlock, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", ErrParse)
	}

	if buf[0] != Version {
		return nil, fmt.Errorf("version %d: %w", buf[0], ErrWrongVersion)
	}

	p := &primaryBlock{}
	raw := flags.raw()
	off := 1

	read := func() (uint64, error) {
		f, next, err := sdnv.Read(buf, off, raw)
		if err != nil {
			return 0, fmt.Errorf("primary block field at %d: %w", off, ErrParse)
		}

		off = next

		return f.Value, nil
	}

	var err error
	if p.procFlags, err = read(); err != nil {
		return nil, err
	}

	if _, err = read(); err != nil { // block length, re-derived from fields
		return nil, err
	}

	dsts := []*IPN{
		&p.dstNode, &p.dstService,
		&p.srcNode, &p.srcService,
		&p.rptNode, &p.rptService,
		&p.cstNode, &p.cstService,
	}
	for _, dst := range dsts {
		v, rerr := read()
		if rerr != nil {
			return nil, rerr
		}

		*dst = IPN(v)
	}

	if p.createTime, err = read(); err != nil {
		return nil, err
	}

	if p.createSeq, err = read(); err != nil {
		return nil, err
	}

	if p.lifetime, err = read(); err != nil {
		return nil, err
	}

	dictLen, err := read()
	if err != nil {
		return nil, err
	}

	if dictLen != 0 {
		// Only CBHE-compressed bundles are supported.
		return nil, fmt.Errorf("non-empty dictionary (%d bytes): %w", dictLen, ErrParse)
	}

	if p.isFragment() {
		if p.fragOffset, err = read(); err != nil {
			return nil, err
		}

		if p.totalLen, err = read(); err != nil {
			return nil, err
		}
	}

	p.size = off

	return p, nil
}
