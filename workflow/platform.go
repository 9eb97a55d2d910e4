// Package workflow defines the automation platforms FlowForge targets and the
// platform-specific workflow document shapes it generates.
package workflow

import (
	"fmt"
	"strings"
)

// Platform identifies a supported automation platform.
type Platform string

const (
	PlatformN8N           Platform = "n8n"
	PlatformZapier        Platform = "zapier"
	PlatformMake          Platform = "make"
	PlatformPowerAutomate Platform = "power_automate"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{
	PlatformN8N,
	PlatformZapier,
	PlatformMake,
	PlatformPowerAutomate,
}

var displayNames = map[Platform]string{
	PlatformN8N:           "n8n",
	PlatformZapier:        "Zapier",
	PlatformMake:          "Make",
	PlatformPowerAutomate: "Power Automate",
}

// ParsePlatform normalizes and validates a platform identifier.
// Accepts common aliases ("powerautomate", "power-automate").
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n8n":
		return PlatformN8N, nil
	case "zapier":
		return PlatformZapier, nil
	case "make", "integromat":
		return PlatformMake, nil
	case "power_automate", "power-automate", "powerautomate":
		return PlatformPowerAutomate, nil
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	_, ok := displayNames[p]
	return ok
}

// DisplayName returns the human-readable platform name.
func (p Platform) DisplayName() string {
	if n, ok := displayNames[p]; ok {
		return n
	}
	return string(p)
}
