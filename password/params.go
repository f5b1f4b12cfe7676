package password

import (
	"errors"
	"fmt"
)

// Variant names an Argon2 flavour as it appears in the PHC string.
type Variant string

const (
	Argon2d  Variant = "argon2d"
	Argon2i  Variant = "argon2i"
	Argon2id Variant = "argon2id"
)

// Version is the Argon2 algorithm version. 0x13 is current; 0x10 is accepted
// so that hashes produced by older tooling remain verifiable.
type Version uint32

const (
	Version10 Version = 0x10
	Version13 Version = 0x13
)

const (
	minTimeCost      uint32 = 1
	minParallelism   uint8  = 1
	minSaltLength    uint32 = 8
	minKeyLength     uint32 = 4
	defaultSaltBytes uint32 = 16
)

var (
	ErrInvalidHash          = errors.New("password: invalid encoded hash")
	ErrUnsupportedAlgorithm = errors.New("password: unsupported algorithm")
	ErrBackendUnavailable   = errors.New("password: no argon2 backend available")
	ErrInvalidParams        = errors.New("password: invalid argon2 parameters")
)

// Params controls a single hash computation. A zero SaltLength means 16 bytes.
// When Salt is set it is used verbatim and SaltLength is ignored.
type Params struct {
	Variant     Variant
	Version     Version
	Memory      uint32
	Time        uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  uint32
	Salt        []byte
}

// DefaultParams returns argon2id v19 with m=19456 KiB, t=2, p=1 and a 32 byte
// digest.
func DefaultParams() Params {
	return Params{
		Variant:     Argon2id,
		Version:     Version13,
		Memory:      19 * 1024,
		Time:        2,
		Parallelism: 1,
		KeyLength:   32,
		SaltLength:  defaultSaltBytes,
	}
}

func (v Variant) valid() bool {
	switch v {
	case Argon2d, Argon2i, Argon2id:
		return true
	}
	return false
}

func (v Version) valid() bool {
	return v == Version10 || v == Version13
}

// mode is the numeric type field hashed into H0.
func (v Variant) mode() uint32 {
	switch v {
	case Argon2d:
		return 0
	case Argon2i:
		return 1
	default:
		return 2
	}
}

func (p Params) validate() error {
	if !p.Variant.valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.Variant)
	}
	if !p.Version.valid() {
		return fmt.Errorf("%w: version %#x", ErrUnsupportedAlgorithm, uint32(p.Version))
	}
	if p.Parallelism < minParallelism {
		return fmt.Errorf("%w: parallelism must be >= 1", ErrInvalidParams)
	}
	if p.Time < minTimeCost {
		return fmt.Errorf("%w: time must be >= 1", ErrInvalidParams)
	}
	if p.Memory < 8*uint32(p.Parallelism) {
		return fmt.Errorf("%w: memory must be >= 8*parallelism KiB", ErrInvalidParams)
	}
	if p.KeyLength < minKeyLength {
		return fmt.Errorf("%w: key length must be >= 4", ErrInvalidParams)
	}
	if p.Salt != nil && uint32(len(p.Salt)) < minSaltLength {
		return fmt.Errorf("%w: salt must be >= 8 bytes", ErrInvalidParams)
	}
	if p.Salt == nil && p.SaltLength != 0 && p.SaltLength < minSaltLength {
		return fmt.Errorf("%w: salt length must be >= 8", ErrInvalidParams)
	}
	return nil
}

// withDefaults fills unset fields of p from d.
func (p Params) withDefaults(d Params) Params {
	if p.Variant == "" {
		p.Variant = d.Variant
	}
	if p.Version == 0 {
		p.Version = d.Version
	}
	if p.Memory == 0 {
		p.Memory = d.Memory
	}
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Parallelism == 0 {
		p.Parallelism = d.Parallelism
	}
	if p.KeyLength == 0 {
		p.KeyLength = d.KeyLength
	}
	if p.SaltLength == 0 {
		p.SaltLength = d.SaltLength
	}
	if p.SaltLength == 0 {
		p.SaltLength = defaultSaltBytes
	}
	return p
}
