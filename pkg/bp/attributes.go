package bp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
)

// WrapPolicy selects what Load does when the next custody ID would
// land on an occupied active-table slot.
type WrapPolicy int

const (
	// WrapResend retransmits the occupying bundle under a fresh
	// custody ID, waiting briefly for acknowledgments to free slots.
	WrapResend WrapPolicy = iota
	// WrapBlock waits briefly for acknowledgments, then fails the
	// load with [ErrActiveTableFull] if the slot is still taken.
	// Callers retry.
	WrapBlock
	// WrapDrop relinquishes the occupying bundle and carries on.
	WrapDrop
)

var wrapNames = map[WrapPolicy]string{
	WrapResend: "resend",
	WrapBlock:  "block",
	WrapDrop:   "drop",
}

func (w WrapPolicy) String() string {
	if s, ok := wrapNames[w]; ok {
		return s
	}

	return fmt.Sprintf("wrap(%d)", int(w))
}

// MarshalJSON renders the policy by name.
func (w WrapPolicy) MarshalJSON() ([]byte, error) {
	s, ok := wrapNames[w]
	if !ok {
		return nil, fmt.Errorf("wrap policy %d: %w", int(w), ErrParameter)
	}

	return json.Marshal(s)
}

// UnmarshalJSON accepts "resend", "block", or "drop".
func (w *WrapPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("wrap policy: %w", err)
	}

	for policy, name := range wrapNames {
		if name == s {
			*w = policy

			return nil
		}
	}

	return fmt.Errorf("wrap policy %q: %w", s, ErrParameter)
}

// Retransmit ordering of timed-out bundles. Only oldest-bundle order
// is implemented; smallest-CID order is a documented future option
// that Open rejects.
const (
	RetxOldestBundle = 0
	RetxSmallestCID  = 1
)

// Default attribute values.
const (
	DefaultLifetime        = 86400 // seconds, one day
	DefaultTimeout         = 10    // seconds
	DefaultMaxLength       = 4096  // bytes
	DefaultDACSRate        = 5     // seconds between custody signals
	DefaultActiveTableSize = 16384
	DefaultMaxConcurrentDACS = 4
	DefaultMaxFillsPerDACS   = 64
	DefaultMaxGapsPerDACS    = 1028
)

// defaultWrapTimeout bounds the internal wait on the active-table
// condition when the table wraps.
const defaultWrapTimeout = time.Second

// Attributes configure a channel at open. A zero ActiveTableSize,
// MaxConcurrentDACS, MaxFillsPerDACS, MaxGapsPerDACS, or
// ProtocolVersion takes its default, as does a zero CipherSuite while
// integrity is on; other fields are used as given, so a zero Lifetime,
// Timeout, MaxLength, or DACSRate keeps its zero meaning rather than
// the Default* value. Booleans that default to true are inverted
// (DisableCustody, DisableIntegrity) so the zero Attributes value is
// usable.
type Attributes struct {
	// Lifetime is the number of seconds from creation before a bundle
	// expires.
	Lifetime uint64 `json:"lifetime"`
	// DisableCustody turns off custody transfer for built bundles.
	DisableCustody bool `json:"disable_custody"`
	// AdminRecord marks built bundles as administrative records.
	AdminRecord bool `json:"admin_record"`
	// DisableIntegrity omits the BIB from built bundles.
	DisableIntegrity bool `json:"disable_integrity"`
	// AllowFragmentation permits fragmentation of built bundles.
	AllowFragmentation bool `json:"allow_fragmentation"`
	// CipherSuite selects the BIB suite.
	CipherSuite int `json:"cipher_suite"`
	// Timeout is the retransmission timeout in seconds; zero never
	// retransmits.
	Timeout int `json:"timeout"`
	// MaxLength bounds the total bundle size in bytes.
	MaxLength int `json:"max_length"`
	// CIDReuse keeps the original custody ID on retransmission.
	CIDReuse bool `json:"cid_reuse"`
	// DACSRate is the number of seconds between custody signals to
	// the same source.
	DACSRate int `json:"dacs_rate"`
	// ProtocolVersion must be 6.
	ProtocolVersion int `json:"protocol_version"`
	// RetransmitOrder selects which timed-out bundle goes first.
	RetransmitOrder int `json:"retransmit_order"`
	// ActiveTableSize is the number of in-flight custody IDs tracked.
	ActiveTableSize int `json:"active_table_size"`
	// MaxConcurrentDACS bounds the custody sources aggregated at
	// once; the oldest is flushed and evicted past the bound.
	MaxConcurrentDACS int `json:"max_concurrent_dacs"`
	// MaxFillsPerDACS bounds the fill/gap values per custody signal.
	MaxFillsPerDACS int `json:"max_fills_per_dacs"`
	// MaxGapsPerDACS bounds the ranges per custody tree.
	MaxGapsPerDACS int `json:"max_gaps_per_dacs"`
	// WrapResponse selects the active-table wrap policy.
	WrapResponse WrapPolicy `json:"wrap_response"`

	// StorageServiceParm passes through to the storage service's
	// Create.
	StorageServiceParm any `json:"-"`
	// Logger receives structured engine logs; nil logs nothing.
	Logger *zap.Logger `json:"-"`
	// Now supplies the current time in seconds; nil uses the wall
	// clock.
	Now func() uint64 `json:"-"`
}

// DefaultAttributes returns the canonical configuration.
func DefaultAttributes() Attributes {
	return Attributes{
		Lifetime:          DefaultLifetime,
		CipherSuite:       bpv6.BIBCRC16X25,
		Timeout:           DefaultTimeout,
		MaxLength:         DefaultMaxLength,
		DACSRate:          DefaultDACSRate,
		ProtocolVersion:   bpv6.Version,
		RetransmitOrder:   RetxOldestBundle,
		ActiveTableSize:   DefaultActiveTableSize,
		MaxConcurrentDACS: DefaultMaxConcurrentDACS,
		MaxFillsPerDACS:   DefaultMaxFillsPerDACS,
		MaxGapsPerDACS:    DefaultMaxGapsPerDACS,
		WrapResponse:      WrapResend,
	}
}

// withDefaults fills unset sizing fields, mirroring the open-time
// defaulting of unset attributes.
func (a Attributes) withDefaults() Attributes {
	if a.ActiveTableSize == 0 {
		a.ActiveTableSize = DefaultActiveTableSize
	}

	if a.MaxConcurrentDACS == 0 {
		a.MaxConcurrentDACS = DefaultMaxConcurrentDACS
	}

	if a.MaxFillsPerDACS == 0 {
		a.MaxFillsPerDACS = DefaultMaxFillsPerDACS
	}

	if a.MaxGapsPerDACS == 0 {
		a.MaxGapsPerDACS = DefaultMaxGapsPerDACS
	}

	if a.ProtocolVersion == 0 {
		a.ProtocolVersion = bpv6.Version
	}

	if a.CipherSuite == 0 && !a.DisableIntegrity {
		a.CipherSuite = bpv6.BIBCRC16X25
	}

	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}

	if a.Now == nil {
		a.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	return a
}

// validate rejects configurations the engine cannot honor.
func (a Attributes) validate() error {
	if a.ProtocolVersion != bpv6.Version {
		return fmt.Errorf("protocol version %d: %w", a.ProtocolVersion, ErrUnsupported)
	}

	if a.RetransmitOrder != RetxOldestBundle {
		return fmt.Errorf("retransmit order %d: %w", a.RetransmitOrder, ErrUnsupported)
	}

	if a.ActiveTableSize < 1 {
		return fmt.Errorf("active table size %d: %w", a.ActiveTableSize, ErrParameter)
	}

	if a.WrapResponse != WrapResend && a.WrapResponse != WrapBlock && a.WrapResponse != WrapDrop {
		return fmt.Errorf("wrap response %d: %w", int(a.WrapResponse), ErrParameter)
	}

	if !a.DisableIntegrity {
		if a.CipherSuite != bpv6.BIBCRC16X25 && a.CipherSuite != bpv6.BIBCRC32Castagnoli {
			return fmt.Errorf("cipher suite %d: %w", a.CipherSuite, ErrInvalidCipher)
		}
	}

	return nil
}

// LoadAttributes reads attributes from a JSONC file, overlaying the
// defaults. Fields absent from the file keep their default values.
func LoadAttributes(path string) (Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attributes{}, fmt.Errorf("read attributes: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Attributes{}, fmt.Errorf("attributes %s: invalid JSONC: %w", path, err)
	}

	attr := DefaultAttributes()
	if err := json.Unmarshal(standardized, &attr); err != nil {
		return Attributes{}, fmt.Errorf("attributes %s: invalid JSON: %w", path, err)
	}

	return attr, nil
}
