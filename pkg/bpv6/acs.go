package bpv6

import "fmt"

// Aggregate custody signal administrative record: record type/flags
// byte, status byte, SDNV first custody ID, then alternating fill and
// gap SDNVs. The first fill covers the first custody ID.
const (
	// acsRecordType occupies the high nibble of the record's first
	// byte (administrative record type 4).
	acsRecordType byte = 0x40
	// acsStatusSucceeded marks a "custody transfer succeeded" signal.
	acsStatusSucceeded byte = 0x80
)

// MaxFill is the largest single fill or gap value written into an ACS;
// wider gaps force the aggregator to emit and restart.
const MaxFill = 0x3FFF

// Range is a closed interval of custody IDs.
type Range struct {
	Lo uint64
	Hi uint64
}

// EncodeACS serializes ranges (which must be disjoint and ascending)
// into an aggregate custody signal record. At most maxFills fill and
// gap values are written; if the ranges do not fit, the record is
// truncated, FlagTooManyFills is set, and the number of whole ranges
// consumed is returned so the caller can keep the remainder.
func EncodeACS(ranges []Range, maxFills int, flags *Flags) ([]byte, int) {
	if len(ranges) == 0 {
		return nil, 0
	}

	rec := []byte{acsRecordType, acsStatusSucceeded}
	rec = appendSDNV(rec, ranges[0].Lo, flags)
	rec = appendSDNV(rec, ranges[0].Hi-ranges[0].Lo+1, flags)

	fills := 1
	consumed := 1

	for _, r := range ranges[1:] {
		if fills+2 > maxFills {
			flags.Set(FlagTooManyFills)

			break
		}

		gap := r.Lo - ranges[consumed-1].Hi - 1
		rec = appendSDNV(rec, gap, flags)
		rec = appendSDNV(rec, r.Hi-r.Lo+1, flags)
		fills += 2
		consumed++
	}

	return rec, consumed
}

// DecodeACS walks an aggregate custody signal record, invoking ack for
// every acknowledged custody ID in ascending order. It returns the
// number of acknowledgments.
func DecodeACS(rec []byte, flags *Flags, ack func(cid uint64)) (int, error) {
	if len(rec) < 2 || rec[0]&0xF0 != acsRecordType {
		return 0, fmt.Errorf("record type %#x: %w", firstByte(rec), ErrUnknownRecord)
	}

	if rec[1]&acsStatusSucceeded == 0 {
		// Failure signals carry no acknowledgments.
		return 0, nil
	}

	raw := flags.raw()

	cid, off, err := sdnvRead(rec, 2, raw)
	if err != nil {
		return 0, fmt.Errorf("acs first cid: %w", ErrParse)
	}

	count := 0
	fill := true

	for off < len(rec) {
		v, next, err := sdnvRead(rec, off, raw)
		if err != nil {
			return count, fmt.Errorf("acs fill/gap at %d: %w", off, ErrParse)
		}

		off = next

		if fill {
			for i := uint64(0); i < v; i++ {
				ack(cid + i)
				count++
			}

			cid += v
		} else {
			cid += v
		}

		fill = !fill
	}

	return count, nil
}
