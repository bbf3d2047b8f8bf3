package anchors

import (
	"fmt"
	"strconv"
	"strings"
)

// RGB is a display color derived from a commenter profile.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// FallbackColor marks orphans and profiles whose color cannot be parsed.
var FallbackColor = RGB{R: 255, G: 0, B: 0}

// ParseHex parses `#rrggbb` or `rrggbb`, case-insensitive, falling back to red on anything else.
func ParseHex(value string) RGB {
	raw := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(raw) != 6 {
		return FallbackColor
	}
	parsed, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return FallbackColor
	}
	return RGB{
		R: uint8(parsed >> 16),
		G: uint8(parsed >> 8),
		B: uint8(parsed),
	}
}

// String renders the `r,g,b` triple used by the `--bgc` custom property.
func (c RGB) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}
