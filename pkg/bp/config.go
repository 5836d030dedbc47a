package bp

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
)

// Mode selects the direction of a Config call.
type Mode int

const (
	// ModeRead copies the option's current value into val.
	ModeRead Mode = iota
	// ModeWrite sets the option from val.
	ModeWrite
)

// Option names a runtime-configurable channel setting. Boolean
// options read and write 0 or 1.
type Option int

const (
	// OptLifetime is the bundle lifetime in seconds.
	OptLifetime Option = iota + 1
	// OptRequestCustody toggles custody transfer on built bundles.
	OptRequestCustody
	// OptAdminRecord marks built bundles as administrative records.
	OptAdminRecord
	// OptIntegrityCheck toggles the BIB on built bundles.
	OptIntegrityCheck
	// OptAllowFragmentation permits fragmenting built bundles.
	OptAllowFragmentation
	// OptCipherSuite selects the BIB cipher suite.
	OptCipherSuite
	// OptTimeout is the retransmission timeout in seconds.
	OptTimeout
	// OptMaxLength bounds the total bundle size in bytes.
	OptMaxLength
	// OptCIDReuse keeps the original custody ID on retransmission.
	OptCIDReuse
	// OptDACSRate is the seconds between custody signals per source.
	OptDACSRate
)

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// Config reads or writes one channel option. Writes that change the
// header shape invalidate the prebuilt bundle template; the next Store
// rebuilds it.
func (ch *Channel) Config(mode Mode, opt Option, val *int) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	if val == nil {
		return fmt.Errorf("nil value: %w", ErrParameter)
	}

	if mode != ModeRead && mode != ModeWrite {
		return fmt.Errorf("mode %d: %w", int(mode), ErrParameter)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if mode == ModeRead {
		return ch.readOpt(opt, val)
	}

	return ch.writeOpt(opt, *val)
}

func (ch *Channel) readOpt(opt Option, val *int) error {
	switch opt {
	case OptLifetime:
		*val = int(ch.attr.Lifetime)
	case OptRequestCustody:
		*val = boolToInt(!ch.attr.DisableCustody)
	case OptAdminRecord:
		*val = boolToInt(ch.attr.AdminRecord)
	case OptIntegrityCheck:
		*val = boolToInt(!ch.attr.DisableIntegrity)
	case OptAllowFragmentation:
		*val = boolToInt(ch.attr.AllowFragmentation)
	case OptCipherSuite:
		*val = ch.attr.CipherSuite
	case OptTimeout:
		*val = ch.attr.Timeout
	case OptMaxLength:
		*val = ch.attr.MaxLength
	case OptCIDReuse:
		*val = boolToInt(ch.attr.CIDReuse)
	case OptDACSRate:
		*val = ch.attr.DACSRate
	default:
		return fmt.Errorf("option %d: %w", int(opt), ErrParameter)
	}

	return nil
}

func (ch *Channel) writeOpt(opt Option, val int) error {
	boolVal := func() (bool, error) {
		if val != 0 && val != 1 {
			return false, fmt.Errorf("option %d value %d: %w", int(opt), val, ErrParameter)
		}

		return val == 1, nil
	}

	reshape := false

	switch opt {
	case OptLifetime:
		if val < 0 {
			return fmt.Errorf("lifetime %d: %w", val, ErrParameter)
		}

		ch.attr.Lifetime = uint64(val)
		reshape = true
	case OptRequestCustody:
		b, err := boolVal()
		if err != nil {
			return err
		}

		ch.attr.DisableCustody = !b
		reshape = true
	case OptAdminRecord:
		b, err := boolVal()
		if err != nil {
			return err
		}

		ch.attr.AdminRecord = b
		reshape = true
	case OptIntegrityCheck:
		b, err := boolVal()
		if err != nil {
			return err
		}

		ch.attr.DisableIntegrity = !b
		reshape = true
	case OptAllowFragmentation:
		b, err := boolVal()
		if err != nil {
			return err
		}

		ch.attr.AllowFragmentation = b
		reshape = true
	case OptCipherSuite:
		if val != bpv6.BIBCRC16X25 && val != bpv6.BIBCRC32Castagnoli {
			return fmt.Errorf("cipher suite %d: %w", val, ErrInvalidCipher)
		}

		ch.attr.CipherSuite = val
		reshape = true
	case OptTimeout:
		if val < 0 {
			return fmt.Errorf("timeout %d: %w", val, ErrParameter)
		}

		ch.attr.Timeout = val
	case OptMaxLength:
		if val < 0 {
			return fmt.Errorf("max length %d: %w", val, ErrParameter)
		}

		ch.attr.MaxLength = val
		reshape = true
	case OptCIDReuse:
		b, err := boolVal()
		if err != nil {
			return err
		}

		ch.attr.CIDReuse = b
	case OptDACSRate:
		if val < 0 {
			return fmt.Errorf("dacs rate %d: %w", val, ErrParameter)
		}

		ch.attr.DACSRate = val
	default:
		return fmt.Errorf("option %d: %w", int(opt), ErrParameter)
	}

	if reshape {
		ch.bundleMu.Lock()
		ch.applyTemplateOptions()
		ch.bundleMu.Unlock()
	}

	return nil
}
