// Package bytesize provides a byte-count type with human-readable parsing
// and formatting, used for size limits in configuration files.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size is a number of bytes.
type Size int64

// Common byte size units.
const (
	B  Size = 1
	KB Size = 1024 * B
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "100MB", "1.5GB", or "1024".
// Supported units: B, KB, MB, GB, TB (case-insensitive).
// If no unit is specified, bytes are assumed.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	unit := strings.ToUpper(matches[2])
	var multiplier Size

	switch unit {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI": // Ki = Kubernetes-style binary kibibyte
		multiplier = KB
	case "MB", "M", "MI": // Mi = Kubernetes-style binary mebibyte
		multiplier = MB
	case "GB", "G", "GI": // Gi = Kubernetes-style binary gibibyte
		multiplier = GB
	case "TB", "T", "TI": // Ti = Kubernetes-style binary tebibyte
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return Size(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Size {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String formats the size into a human-readable string.
func (s Size) String() string {
	if s == 0 {
		return "0 B"
	}

	units := []struct {
		threshold Size
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if s >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(s)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", int64(s))
}

// UnmarshalYAML accepts either a bare integer byte count or a string with a
// unit suffix ("32MB").
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var str string
	if err := node.Decode(&str); err != nil {
		return fmt.Errorf("size must be a number or a string like \"32MB\": %w", err)
	}
	v, err := Parse(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML writes the size as its human-readable string form.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}
