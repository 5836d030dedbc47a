package bpv6

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/sdnv"
)

// BundleData is one serialized bundle plus the cached fields the
// channel engine needs without re-parsing: the absolute expiration
// time, the offsets of the optional blocks, and the SDNV descriptor of
// the custody ID (relative to the CTEB offset) for in-place rewrites.
//
// Offsets are valid only when the corresponding block is present; a
// zero CTEBOffset means custody was not requested.
type BundleData struct {
	ExpTime    uint64
	CIDField   sdnv.Field
	CTEBOffset int
	BIBOffset  int
	PayOffset  int
	HeaderSize int
	BundleSize int
	Header     []byte
}

// SetCID rewrites the custody ID inside the serialized header without
// changing its length, and records the value in CIDField.
func (d *BundleData) SetCID(cid uint64, flags *Flags) {
	d.CIDField.Value = cid
	_, _ = sdnv.Write(d.Header[d.CTEBOffset:], d.CIDField, flags.raw())
}

// Template builds outbound bundles for one channel. The header prefix
// (primary block plus optional CTEB and BIB) is prebuilt once and
// reused until a configuration write invalidates it.
//
// A Template is not safe for concurrent use; the channel serializes
// access under its outbound bundle lock.
type Template struct {
	Route              Route
	Lifetime           uint64
	RequestCustody     bool
	AdminRecord        bool
	IntegrityCheck     bool
	AllowFragmentation bool
	CipherSuite        int
	MaxLength          int

	createSeq  uint64
	prebuilt   bool
	data       BundleData
	ctimeField sdnv.Field
	cseqField  sdnv.Field
	bibResult  int // offset of the BIB security result, relative to BIBOffset
}

// NewTemplate returns a template for the given route with every option
// off (no lifetime bound, custody, integrity, or length limit).
func NewTemplate(route Route) *Template {
	return &Template{Route: route}
}

// Invalidate forces the next Encode to rebuild the header prefix. The
// channel calls this after configuration writes that change the header
// shape.
func (t *Template) Invalidate() { t.prebuilt = false }

// SetSequence overrides the creation sequence counter.
func (t *Template) SetSequence(seq uint64) { t.createSeq = seq }

// Sequence returns the current creation sequence counter.
func (t *Template) Sequence() uint64 { return t.createSeq }

// build serializes the header prefix and records block offsets.
func (t *Template) build(flags *Flags) error {
	pcf := pcfSingleton | pcfPriorityNormal
	if t.AdminRecord {
		pcf |= pcfAdminRecord
	}

	if t.RequestCustody {
		pcf |= pcfCustodyRequest
	}

	if !t.AllowFragmentation {
		pcf |= pcfNoFragmentation
	}

	pri := &primaryBlock{
		procFlags:  pcf,
		dstNode:    t.Route.DestinationNode,
		dstService: t.Route.DestinationService,
		srcNode:    t.Route.LocalNode,
		srcService: t.Route.LocalService,
		rptNode:    t.Route.ReportNode,
		rptService: t.Route.ReportService,
		cstNode:    t.Route.LocalNode,
		cstService: t.Route.LocalService,
		createSeq:  t.createSeq,
		lifetime:   t.Lifetime,
	}

	if t.AdminRecord {
		// Administrative records carry no custodian of their own.
		pri.cstNode = 0
		pri.cstService = 0
	}

	hdr := writePrimary(nil, pri, flags)

	// The creation fields sit at fixed offsets inside the fixed-width
	// primary block; Encode rewrites them in place per bundle.
	base := 1 + widthPCF + widthBlockLen + 8*widthIPN
	t.ctimeField = sdnv.Field{Index: base, Width: widthCreateTM, Value: t.ctimeField.Value}
	t.cseqField = sdnv.Field{Index: base + widthCreateTM, Width: widthCreateSq, Value: t.cseqField.Value}

	t.data = BundleData{}

	if t.RequestCustody && !t.AdminRecord {
		t.data.CTEBOffset = len(hdr)
		hdr, t.data.CIDField = writeCTEB(hdr, t.Route.LocalNode, t.Route.LocalService, flags)
	}

	if t.IntegrityCheck && !t.AdminRecord {
		t.data.BIBOffset = len(hdr)

		var err error

		hdr, t.bibResult, err = writeBIB(hdr, t.CipherSuite, flags)
		if err != nil {
			return err
		}
	}

	t.data.Header = hdr
	t.prebuilt = true

	return nil
}

// Encode produces the stored form of one outbound bundle carrying
// payload. When setTime is true the creation timestamp is stamped with
// now and the sequence counter advances; otherwise the previous stamp
// is reused. The expiration time is creation plus lifetime, or zero
// for an unbounded lifetime.
func (t *Template) Encode(payload []byte, setTime bool, now uint64, flags *Flags) (*BundleData, error) {
	if !t.prebuilt {
		if err := t.build(flags); err != nil {
			return nil, err
		}
	}

	d := t.data
	d.Header = append([]byte(nil), t.data.Header...)

	if setTime {
		t.ctimeField.Value = now
		t.cseqField.Value = t.createSeq
		t.createSeq++
	}

	_, _ = sdnv.Write(d.Header, t.ctimeField, flags.raw())
	_, _ = sdnv.Write(d.Header, t.cseqField, flags.raw())

	if t.Lifetime != 0 {
		d.ExpTime = t.ctimeField.Value + t.Lifetime
	}

	if t.data.BIBOffset != 0 {
		computeResult(t.CipherSuite, payload, d.Header[t.data.BIBOffset+t.bibResult:])
	}

	d.PayOffset = len(d.Header)
	d.Header = writePayloadHeader(d.Header, len(payload), flags)
	d.HeaderSize = len(d.Header)
	d.BundleSize = d.HeaderSize + len(payload)

	if t.MaxLength > 0 && d.BundleSize > t.MaxLength {
		return nil, fmt.Errorf("bundle size %d exceeds %d: %w", d.BundleSize, t.MaxLength, ErrBundleTooLarge)
	}

	return &d, nil
}
