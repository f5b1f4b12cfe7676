package password

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

type parsedPHC struct {
	params Params
	hash   []byte
}

func encodePHC(p Params, salt, hash []byte) string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		p.Variant,
		uint32(p.Version),
		p.Memory,
		p.Time,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// parsePHC accepts both the current layout and the older one without a
// version segment, which implies v=16.
func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 && len(parts) != 6 {
		return nil, fmt.Errorf("%w: expected 5 or 6 segments", ErrInvalidHash)
	}
	if parts[0] != "" {
		return nil, fmt.Errorf("%w: missing leading '$'", ErrInvalidHash)
	}

	p := Params{Variant: Variant(parts[1]), Version: Version10}
	if !p.Variant.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, parts[1])
	}

	rest := parts[2:]
	if len(parts) == 6 {
		versionPart := parts[2]
		if !strings.HasPrefix(versionPart, "v=") {
			return nil, fmt.Errorf("%w: missing version", ErrInvalidHash)
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(versionPart, "v="), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid version", ErrInvalidHash)
		}
		p.Version = Version(v)
		if !p.Version.valid() {
			return nil, fmt.Errorf("%w: version %d", ErrUnsupportedAlgorithm, v)
		}
		rest = parts[3:]
	}

	if err := parseParams(rest[0], &p); err != nil {
		return nil, err
	}

	salt, err := decodeB64(rest[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding", ErrInvalidHash)
	}
	hash, err := decodeB64(rest[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hash encoding", ErrInvalidHash)
	}

	p.Salt = salt
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(hash))
	if err := p.validate(); err != nil {
		return nil, err
	}

	return &parsedPHC{params: p, hash: hash}, nil
}

func parseParams(part string, p *Params) error {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return fmt.Errorf("%w: invalid parameter format", ErrInvalidHash)
	}

	var memorySet, timeSet, parallelismSet bool
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: invalid parameter entry", ErrInvalidHash)
		}

		switch key {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: invalid memory parameter", ErrInvalidHash)
			}
			p.Memory = uint32(v)
			memorySet = true
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: invalid time parameter", ErrInvalidHash)
			}
			p.Time = uint32(v)
			timeSet = true
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return fmt.Errorf("%w: invalid parallelism parameter", ErrInvalidHash)
			}
			p.Parallelism = uint8(v)
			parallelismSet = true
		default:
			return fmt.Errorf("%w: unsupported parameter %q", ErrInvalidHash, key)
		}
	}

	if !memorySet || !timeSet || !parallelismSet {
		return fmt.Errorf("%w: missing parameters", ErrInvalidHash)
	}
	return nil
}

// decodeB64 takes unpadded standard base64 and tolerates trailing padding.
func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidHash
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
