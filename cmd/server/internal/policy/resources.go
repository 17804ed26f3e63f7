package policy

import (
	"strconv"
	"strings"

	"github.com/testexechq/control-plane/internal/types"
)

// ParseCPU converts a CPU resource string to cores. Accepts integer or
// fractional cores ("1", "0.5") and millicores ("500m").
func ParseCPU(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, types.InvalidRequest("cpu", "value is empty")
	}

	if strings.HasSuffix(raw, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(raw, "m"), 10, 64)
		if err != nil || milli < 0 {
			return 0, types.InvalidRequest("cpu", "invalid millicore value %q", raw)
		}

		return float64(milli) / 1000, nil
	}

	cores, err := strconv.ParseFloat(raw, 64)
	if err != nil || cores < 0 {
		return 0, types.InvalidRequest("cpu", "invalid core value %q", raw)
	}

	return cores, nil
}

// ParseMemory converts a memory resource string to bytes. Accepts Ki, Mi
// and Gi suffixes (powers of 1024) or raw bytes.
func ParseMemory(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, types.InvalidRequest("memory", "value is empty")
	}

	multiplier := int64(1)
	number := raw
	switch {
	case strings.HasSuffix(raw, "Ki"):
		multiplier = 1 << 10
		number = strings.TrimSuffix(raw, "Ki")
	case strings.HasSuffix(raw, "Mi"):
		multiplier = 1 << 20
		number = strings.TrimSuffix(raw, "Mi")
	case strings.HasSuffix(raw, "Gi"):
		multiplier = 1 << 30
		number = strings.TrimSuffix(raw, "Gi")
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil || value < 0 {
		return 0, types.InvalidRequest("memory", "invalid memory value %q", raw)
	}

	return value * multiplier, nil
}
