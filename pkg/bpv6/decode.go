package bpv6

import "fmt"

// Disposition classifies a received bundle.
type Disposition int

const (
	// Delivered is a data payload for the application with no custody
	// acknowledgment owed.
	Delivered Disposition = iota
	// CustodyAccept is a data payload whose CTEB obliges this agent to
	// acknowledge custody to the current custodian.
	CustodyAccept
	// CustodySignal is an aggregate custody signal acknowledging
	// bundles this agent transmitted.
	CustodySignal
)

// Custody identifies the custodian and custody ID a CTEB carried.
type Custody struct {
	Node    IPN
	Service IPN
	CID     uint64
}

// Received is the decoded form of an inbound bundle.
type Received struct {
	Disposition Disposition
	Route       Route
	ExpTime     uint64
	Payload     []byte // data payload; views into the input buffer
	Record      []byte // administrative record bytes, CustodySignal only
	Custody     Custody
}

// Decode parses one inbound bundle and classifies it. The payload and
// record slices alias wire. Soft conditions (unrecognized blocks, a
// missing CTEB on a custody bundle) go to flags; malformed input,
// expiry, and integrity failures are errors.
func Decode(wire []byte, now uint64, flags *Flags) (*Received, error) {
	pri, err := readPrimary(wire, flags)
	if err != nil {
		return nil, err
	}

	if pri.isFragment() {
		// Reassembly is out of scope; a fragment cannot be delivered.
		return nil, fmt.Errorf("fragmented bundle: %w", ErrParse)
	}

	exp := pri.expiration()
	if exp != 0 && now >= exp {
		return nil, fmt.Errorf("expired at %d (now %d): %w", exp, now, ErrExpired)
	}

	r := &Received{
		ExpTime: exp,
		Route: Route{
			LocalNode:          pri.srcNode,
			LocalService:       pri.srcService,
			DestinationNode:    pri.dstNode,
			DestinationService: pri.dstService,
			ReportNode:         pri.rptNode,
			ReportService:      pri.rptService,
		},
	}

	var (
		cteb *ctebBlock
		bib  *bibBlock
		pay  *payloadBlock
	)

	off := pri.size
	for pay == nil {
		if off >= len(wire) {
			return nil, fmt.Errorf("no payload block: %w", ErrParse)
		}

		switch wire[off] {
		case blockTypeCTEB:
			cteb, err = readCTEB(wire[off:], flags)
			if err != nil {
				return nil, err
			}

			off += cteb.size
		case blockTypeBIB:
			bib, err = readBIB(wire[off:], flags)
			if err != nil {
				return nil, err
			}

			off += bib.size
		case blockTypePayload:
			pay, err = readPayload(wire[off:], flags)
			if err != nil {
				return nil, err
			}
		default:
			// Skip over an unrecognized block by its declared length.
			n, skipErr := skipBlock(wire, off, flags)
			if skipErr != nil {
				return nil, skipErr
			}

			flags.Set(FlagIncomplete)
			off = n
		}
	}

	r.Payload = pay.data

	if bib != nil {
		if err := bib.verify(pay.data); err != nil {
			return nil, err
		}
	}

	if pri.isAdmin() {
		if len(r.Payload) < 2 || r.Payload[0]&0xF0 != acsRecordType {
			return nil, fmt.Errorf("admin record type %#x: %w", firstByte(r.Payload), ErrUnknownRecord)
		}

		r.Disposition = CustodySignal
		r.Record = r.Payload

		return r, nil
	}

	if pri.wantsCustody() {
		if cteb == nil {
			// Custody requested but untrackable; deliver anyway.
			flags.Set(FlagNonCompliant)
			r.Disposition = Delivered

			return r, nil
		}

		r.Disposition = CustodyAccept
		r.Custody = Custody{
			Node:    cteb.custodianNode,
			Service: cteb.custodianService,
			CID:     cteb.cid.Value,
		}

		return r, nil
	}

	r.Disposition = Delivered

	return r, nil
}

// RouteInfo parses only the primary block and returns the bundle's
// addressing, so a caller can route without a full decode.
func RouteInfo(wire []byte) (Route, error) {
	var flags Flags

	pri, err := readPrimary(wire, &flags)
	if err != nil {
		return Route{}, err
	}

	return Route{
		LocalNode:          pri.srcNode,
		LocalService:       pri.srcService,
		DestinationNode:    pri.dstNode,
		DestinationService: pri.dstService,
		ReportNode:         pri.rptNode,
		ReportService:      pri.rptService,
	}, nil
}

// skipBlock advances past an unrecognized extension block.
func skipBlock(wire []byte, off int, flags *Flags) (int, error) {
	raw := flags.raw()

	_, next, err := sdnvRead(wire, off+1, raw)
	if err != nil {
		return 0, fmt.Errorf("block %#x flags: %w", wire[off], ErrParse)
	}

	bodyLen, next, err := sdnvRead(wire, next, raw)
	if err != nil {
		return 0, fmt.Errorf("block %#x length: %w", wire[off], ErrParse)
	}

	end := next + int(bodyLen)
	if end > len(wire) {
		return 0, fmt.Errorf("block %#x exceeds buffer: %w", wire[off], ErrParse)
	}

	return end, nil
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}

	return b[0]
}
