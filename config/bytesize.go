package config

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that can be written in YAML or the environment either as a plain integer or
// with a binary suffix: "512", "64KiB", "16MiB", "2GiB". K, M and G are accepted as shorthand.
type ByteSize int

var byteSuffixes = []struct {
	suffix string
	scale  int
}{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
	{"B", 1},
}

// ParseByteSize reads a ByteSize from text
func ParseByteSize(text string) (ByteSize, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}

	scale := 1
	for _, candidate := range byteSuffixes {
		if trimmed, ok := strings.CutSuffix(text, candidate.suffix); ok {
			text = strings.TrimSpace(trimmed)
			scale = candidate.scale
			break
		}
	}

	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.Newf("invalid byte size %q", text)
	}
	if value < 0 {
		return 0, errors.Newf("byte size must not be negative, but was %d", value)
	}
	if value > int(^uint(0)>>1)/scale {
		return 0, errors.Newf("byte size %d x %d overflows", value, scale)
	}

	return ByteSize(value * scale), nil
}

// UnmarshalYAML accepts integer and suffixed scalar values
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	if node.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: byte size must be a scalar", node.Line)
	}

	size, err := ParseByteSize(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*s = size
	return nil
}

func (s ByteSize) String() string {
	size := int(s)
	for _, unit := range []struct {
		suffix string
		scale  int
	}{{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10}} {
		if size != 0 && size%unit.scale == 0 {
			return strconv.Itoa(size/unit.scale) + unit.suffix
		}
	}
	return strconv.Itoa(size)
}
