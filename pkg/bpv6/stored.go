package bpv6

import (
	"encoding/binary"
	"fmt"
)

// Stored-object layout: a fixed metadata prefix followed by the header
// bytes and the payload bytes, contiguous so the wire image can be
// copied out in one pass.
const storedMetaSize = 48

// EncodeStored serializes a bundle's cached metadata and header into
// the first of the two buffers handed to the storage service's
// enqueue; the payload rides as the second buffer and lands contiguous
// with the header.
func EncodeStored(d *BundleData) []byte {
	buf := make([]byte, storedMetaSize+len(d.Header))

	binary.BigEndian.PutUint64(buf[0:], d.ExpTime)
	binary.BigEndian.PutUint64(buf[8:], d.CIDField.Value)
	binary.BigEndian.PutUint32(buf[16:], uint32(d.CIDField.Index))
	binary.BigEndian.PutUint32(buf[20:], uint32(d.CIDField.Width))
	binary.BigEndian.PutUint32(buf[24:], uint32(d.CTEBOffset))
	binary.BigEndian.PutUint32(buf[28:], uint32(d.BIBOffset))
	binary.BigEndian.PutUint32(buf[32:], uint32(d.PayOffset))
	binary.BigEndian.PutUint32(buf[36:], uint32(d.HeaderSize))
	binary.BigEndian.PutUint32(buf[40:], uint32(d.BundleSize))

	copy(buf[storedMetaSize:], d.Header)

	return buf
}

// DecodeStored reverses EncodeStored. The returned BundleData's Header
// aliases obj and spans the full wire image (header plus payload), so
// Header[:BundleSize] is the transmittable bundle.
func DecodeStored(obj []byte) (*BundleData, error) {
	if len(obj) < storedMetaSize {
		return nil, fmt.Errorf("stored object %d bytes: %w", len(obj), ErrParse)
	}

	d := &BundleData{
		ExpTime:    binary.BigEndian.Uint64(obj[0:]),
		CTEBOffset: int(binary.BigEndian.Uint32(obj[24:])),
		BIBOffset:  int(binary.BigEndian.Uint32(obj[28:])),
		PayOffset:  int(binary.BigEndian.Uint32(obj[32:])),
		HeaderSize: int(binary.BigEndian.Uint32(obj[36:])),
		BundleSize: int(binary.BigEndian.Uint32(obj[40:])),
	}

	d.CIDField.Value = binary.BigEndian.Uint64(obj[8:])
	d.CIDField.Index = int(binary.BigEndian.Uint32(obj[16:]))
	d.CIDField.Width = int(binary.BigEndian.Uint32(obj[20:]))

	if storedMetaSize+d.BundleSize > len(obj) {
		return nil, fmt.Errorf("stored object truncated: %w", ErrParse)
	}

	d.Header = obj[storedMetaSize : storedMetaSize+d.BundleSize]

	return d, nil
}
