package bpv6

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/sdnv"
)

// payloadBlock locates the payload bytes inside a parsed bundle.
type payloadBlock struct {
	data []byte
	size int // encoded block size including header
}

// writePayloadHeader appends the payload block header (type, flags,
// length) for a payload of payLen bytes. The payload bytes themselves
// are carried separately by the stored-object layout.
func writePayloadHeader(buf []byte, payLen int, flags *Flags) []byte {
	buf = append(buf, blockTypePayload)
	buf = appendSDNV(buf, blkFlagLastBlock, flags)
	buf = appendSDNV(buf, uint64(payLen), flags)

	return buf
}

// readPayload decodes a payload block whose type byte sits at buf[0].
func readPayload(buf []byte, flags *Flags) (*payloadBlock, error) {
	raw := flags.raw()

	if len(buf) == 0 || buf[0] != blockTypePayload {
		return nil, fmt.Errorf("not a payload block: %w", ErrParse)
	}

	_, off, err := sdnvRead(buf, 1, raw)
	if err != nil {
		return nil, fmt.Errorf("payload flags: %w", ErrParse)
	}

	payLen, off, err := sdnvRead(buf, off, raw)
	if err != nil {
		return nil, fmt.Errorf("payload length: %w", ErrParse)
	}

	end := off + int(payLen)
	if end > len(buf) {
		return nil, fmt.Errorf("payload exceeds buffer: %w", ErrParse)
	}

	return &payloadBlock{data: buf[off:end], size: end}, nil
}

// sdnvRead is a value-only convenience over sdnv.Read.
func sdnvRead(buf []byte, off int, raw *uint16) (uint64, int, error) {
	f, next, err := sdnv.Read(buf, off, raw)
	if err != nil {
		return 0, next, err
	}

	return f.Value, next, nil
}
