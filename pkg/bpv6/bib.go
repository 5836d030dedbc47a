package bpv6

import (
	"encoding/binary"
	"fmt"
)

// BIB cipher suites.
const (
	BIBNone            = 0
	BIBCRC16X25        = 1
	BIBCRC32Castagnoli = 2
)

// bibBlock is the decoded Bundle Integrity Block: a cipher suite ID and
// the security result it computed over the payload bytes.
type bibBlock struct {
	cipherSuite uint64
	result      []byte
	size        int
}

// resultLen returns the security result length for a cipher suite.
func resultLen(suite int) (int, error) {
	switch suite {
	case BIBCRC16X25:
		return 2, nil
	case BIBCRC32Castagnoli:
		return 4, nil
	default:
		return 0, fmt.Errorf("cipher suite %d: %w", suite, ErrInvalidCipher)
	}
}

// computeResult runs the suite over the payload into out.
func computeResult(suite int, payload, out []byte) {
	switch suite {
	case BIBCRC16X25:
		binary.BigEndian.PutUint16(out, crc16X25(payload))
	case BIBCRC32Castagnoli:
		binary.BigEndian.PutUint32(out, crc32C(payload))
	}
}

// writeBIB appends a BIB for the given suite with a zeroed security
// result. It returns the extended buffer and the offset of the result
// bytes relative to the block start; the result is filled in once the
// payload is known.
func writeBIB(buf []byte, suite int, flags *Flags) ([]byte, int, error) {
	n, err := resultLen(suite)
	if err != nil {
		return buf, 0, err
	}

	start := len(buf)
	buf = append(buf, blockTypeBIB)
	buf = appendSDNV(buf, 0, flags)                // block flags
	buf = appendSDNV(buf, uint64(2+n), flags)      // block length
	buf = appendSDNV(buf, uint64(suite), flags)    // cipher suite id
	buf = appendSDNV(buf, uint64(n), flags)        // security result length

	resultOffset := len(buf) - start
	buf = append(buf, make([]byte, n)...)

	return buf, resultOffset, nil
}

// readBIB decodes a BIB whose block type byte sits at buf[0].
func readBIB(buf []byte, flags *Flags) (*bibBlock, error) {
	raw := flags.raw()

	if len(buf) == 0 || buf[0] != blockTypeBIB {
		return nil, fmt.Errorf("not a bib block: %w", ErrParse)
	}

	_, off, err := sdnvRead(buf, 1, raw)
	if err != nil {
		return nil, fmt.Errorf("bib flags: %w", ErrParse)
	}

	bodyLen, off, err := sdnvRead(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("bib length: %w", ErrParse)
	}

	end := off + int(bodyLen)
	if end > len(buf) {
		return nil, fmt.Errorf("bib body exceeds buffer: %w", ErrParse)
	}

	suite, off, err := sdnvRead(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("bib cipher suite: %w", ErrParse)
	}

	n, off, err := sdnvRead(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("bib result length: %w", ErrParse)
	}

	if off+int(n) > end {
		return nil, fmt.Errorf("bib result exceeds block: %w", ErrParse)
	}

	return &bibBlock{
		cipherSuite: suite,
		result:      buf[off : off+int(n)],
		size:        end,
	}, nil
}

// verify checks the block's security result against the payload.
func (b *bibBlock) verify(payload []byte) error {
	switch b.cipherSuite {
	case BIBCRC16X25:
		if len(b.result) != 2 || binary.BigEndian.Uint16(b.result) != crc16X25(payload) {
			return fmt.Errorf("crc16 mismatch: %w", ErrIntegrity)
		}
	case BIBCRC32Castagnoli:
		if len(b.result) != 4 || binary.BigEndian.Uint32(b.result) != crc32C(payload) {
			return fmt.Errorf("crc32 mismatch: %w", ErrIntegrity)
		}
	default:
		return fmt.Errorf("cipher suite %d: %w", b.cipherSuite, ErrInvalidCipher)
	}

	return nil
}
