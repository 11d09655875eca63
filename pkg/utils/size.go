// Package utils provides small shared helpers for the Strata engine.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly data sizes like "1GB", "512MB" or
// "1.5TiB" and returns the size in bytes. Decimal (KB, MB, ...) and binary
// (KiB, MiB, ...) units are both accepted; a bare number is taken as bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	matches := sizeRe.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := sizeMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, KiB, MiB, GiB, TiB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize formats bytes into a human-readable binary-unit string.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}

func sizeMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "TB":
		return 1000 * 1000 * 1000 * 1000
	case "KIB", "K":
		return 1024
	case "MIB", "M":
		return 1024 * 1024
	case "GIB", "G":
		return 1024 * 1024 * 1024
	case "TIB", "T":
		return 1024 * 1024 * 1024 * 1024
	default:
		return 0
	}
}
