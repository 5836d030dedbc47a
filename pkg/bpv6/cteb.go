package bpv6

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/sdnv"
)

// Extension block type codes.
const (
	blockTypePayload byte = 0x1
	blockTypeCTEB    byte = 0xA
	blockTypeBIB     byte = 0xD
)

// Extension block processing flag bits (RFC 5050 §4.3).
const (
	blkFlagReplicate uint64 = 0x01
	blkFlagLastBlock uint64 = 0x08
)

// Fixed width of the custody ID SDNV inside a built CTEB, chosen so the
// in-place rewrite at transmission time never changes the block length.
const widthCID = 5

// ctebBlock is the decoded Custody Transfer Enhancement Block: the
// custody ID under which the current custodian tracks the bundle, and
// that custodian's endpoint ID.
type ctebBlock struct {
	cid              sdnv.Field // index relative to the block start
	custodianNode    IPN
	custodianService IPN
	size             int
}

// writeCTEB appends a CTEB for custodian (node, service) with a zero
// custody ID to buf. The returned field locates the custody ID SDNV
// relative to the block start.
func writeCTEB(buf []byte, node, service IPN, flags *Flags) ([]byte, sdnv.Field) {
	eid := IPNToEID(node, service)
	bodyLen := widthCID + len(eid)

	start := len(buf)
	buf = append(buf, blockTypeCTEB)
	buf = appendSDNV(buf, blkFlagReplicate, flags)
	buf = appendSDNV(buf, uint64(bodyLen), flags)

	cid := sdnv.Field{Value: 0, Index: len(buf) - start, Width: widthCID}
	buf = append(buf, make([]byte, widthCID)...)
	_, _ = sdnv.Write(buf[start:], cid, flags.raw())

	buf = append(buf, eid...)

	return buf, cid
}

// readCTEB decodes a CTEB whose block type byte sits at buf[0].
func readCTEB(buf []byte, flags *Flags) (*ctebBlock, error) {
	raw := flags.raw()

	if len(buf) == 0 || buf[0] != blockTypeCTEB {
		return nil, fmt.Errorf("not a cteb block: %w", ErrParse)
	}

	_, off, err := sdnv.Read(buf, 1, raw) // block flags
	if err != nil {
		return nil, fmt.Errorf("cteb flags: %w", ErrParse)
	}

	bodyLen, off, err := sdnv.Read(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("cteb length: %w", ErrParse)
	}

	end := off + int(bodyLen.Value)
	if end > len(buf) {
		return nil, fmt.Errorf("cteb body exceeds buffer: %w", ErrParse)
	}

	cid, off, err := sdnv.Read(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("cteb custody id: %w", ErrParse)
	}

	node, service, err := EIDToIPN(string(buf[off:end]))
	if err != nil {
		return nil, fmt.Errorf("cteb custodian: %w", err)
	}

	return &ctebBlock{
		cid:              cid,
		custodianNode:    node,
		custodianService: service,
		size:             end,
	}, nil
}

// appendSDNV appends v at minimal width.
func appendSDNV(buf []byte, v uint64, flags *Flags) []byte {
	f := sdnv.Field{Value: v, Index: len(buf)}
	buf = append(buf, make([]byte, sdnv.EncodedLen(v))...)
	_, _ = sdnv.Write(buf, f, flags.raw())

	return buf
}
