package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Byte size units.
const (
	KiB uint64 = 1 << 10
	MiB uint64 = 1 << 20
	GiB uint64 = 1 << 30
	TiB uint64 = 1 << 40
)

// FormatBytes formats bytes as a human-readable string
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses sizes such as "512M", "8G", "128MiB" or "1048576".
// Suffixes are binary (K = 1024).
func ParseBytes(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")

	multiplier := uint64(1)
	switch s[len(s)-1] {
	case 'K':
		multiplier = KiB
	case 'M':
		multiplier = MiB
	case 'G':
		multiplier = GiB
	case 'T':
		multiplier = TiB
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	num, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	return uint64(num * float64(multiplier)), nil
}

// ByteSize is a byte count that reads and writes as a human-readable YAML
// scalar ("512M"). Plain integers are accepted as bytes.
type ByteSize uint64

// Bytes returns the size as a uint64.
func (b ByteSize) Bytes() uint64 { return uint64(b) }

// String renders the size with the largest exact binary suffix.
func (b ByteSize) String() string {
	v := uint64(b)
	switch {
	case v == 0:
		return "0"
	case v%TiB == 0:
		return fmt.Sprintf("%dT", v/TiB)
	case v%GiB == 0:
		return fmt.Sprintf("%dG", v/GiB)
	case v%MiB == 0:
		return fmt.Sprintf("%dM", v/MiB)
	case v%KiB == 0:
		return fmt.Sprintf("%dK", v/KiB)
	}
	return strconv.FormatUint(v, 10)
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}
