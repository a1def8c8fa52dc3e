package grid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidColor is returned when a color does not name a palette entry.
var ErrInvalidColor = errors.New("grid: invalid color")

// Palette is the fixed ordered color list. A color index is a position in it.
var Palette = []string{
	"#3E3472",
	"#6950F0",
	"#A3D8F4",
	"#F6A5C0",
	"#FF3F33",
	"#F9D57E",
	"#AED9B6",
	"#1A1530",
}

// ValidColorIndex reports whether idx is a palette position.
func ValidColorIndex(idx int) bool {
	return idx >= 0 && idx < len(Palette)
}

// Hex returns the palette color for idx, or "" when idx is out of range.
func Hex(idx int) string {
	if !ValidColorIndex(idx) {
		return ""
	}
	return Palette[idx]
}

// ParseColor accepts either a "#RRGGBB" value present in the palette
// (case-insensitive) or a decimal palette index.
func ParseColor(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidColor)
	}
	if strings.HasPrefix(raw, "#") {
		if !isHex6(raw[1:]) {
			return 0, fmt.Errorf("%w: %q is not #RRGGBB", ErrInvalidColor, raw)
		}
		for i, c := range Palette {
			if strings.EqualFold(c, raw) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %q is not in the palette", ErrInvalidColor, raw)
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || !ValidColorIndex(idx) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColor, raw)
	}
	return idx, nil
}

func isHex6(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ColorInput is a color as written by clients in JSON: "#RRGGBB", a quoted
// index or a bare index. It is not validated until passed to ParseColor.
type ColorInput string

func (c *ColorInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ColorInput(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: must be a string or an index", ErrInvalidColor)
	}
	if _, err := strconv.Atoi(n.String()); err != nil {
		return fmt.Errorf("%w: index must be an integer", ErrInvalidColor)
	}
	*c = ColorInput(n.String())
	return nil
}
