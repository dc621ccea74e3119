// Package kibi parses and formats sizes and bitrates with binary (1024) multipliers
package kibi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var DigitRegex = regexp.MustCompile(`^\d+`)
var ErrInvalidByteSizeString = fmt.Errorf("Invalid byte size string")
var ErrInvalidBitrateString = fmt.Errorf("Invalid bitrate string")

func Bytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	} else if b < 1024*1024 {
		return fmt.Sprintf("%v KB", b/1024)
	} else if b < 1024*1024*1024 {
		return fmt.Sprintf("%v MB", b/1024/1024)
	} else {
		return fmt.Sprintf("%v GB", b/1024/1024/1024)
	}
}

// Split "123 mb" into 123 and "mb"
func splitSuffix(v string) (int64, string, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	digits := DigitRegex.FindString(v)
	if digits == "" {
		return 0, "", false
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return value, strings.TrimSpace(v[len(digits):]), true
}

// We support suffixes 'mb', 'kb', 'gb', and just the letter, eg 'm', 'g'.
// Examples:
// 123 -> 123
// 123 k -> 123*1024
// 123 MB -> 123*1024*1024
func ParseBytes(v string) (int64, error) {
	value, suffix, ok := splitSuffix(v)
	if !ok {
		return 0, ErrInvalidByteSizeString
	}
	switch suffix {
	case "", "b", "bytes":
		return value, nil
	case "k", "kb":
		return value * 1024, nil
	case "m", "mb":
		return value * 1024 * 1024, nil
	case "g", "gb":
		return value * 1024 * 1024 * 1024, nil
	}
	return 0, ErrInvalidByteSizeString
}

// ParseKbps parses a bitrate, and returns it in Kbit/s.
// A bare number is already Kbit/s. Suffixes scale by 1024:
// 8192 -> 8192
// 512k -> 512
// 8M -> 8192
// 8 mbit -> 8192
// 1g -> 1048576
func ParseKbps(v string) (int, error) {
	value, suffix, ok := splitSuffix(v)
	if !ok {
		return 0, ErrInvalidBitrateString
	}
	suffix = strings.TrimSuffix(strings.TrimSuffix(suffix, "/s"), "bit")
	switch suffix {
	case "", "k":
		return int(value), nil
	case "m":
		return int(value * 1024), nil
	case "g":
		return int(value * 1024 * 1024), nil
	}
	return 0, ErrInvalidBitrateString
}

// FormatBitrate formats bits per second, eg "7.9 Mbit/s"
func FormatBitrate(bps float64) string {
	switch {
	case bps < 1024:
		return fmt.Sprintf("%.0f bit/s", bps)
	case bps < 1024*1024:
		return fmt.Sprintf("%.1f Kbit/s", bps/1024)
	case bps < 1024*1024*1024:
		return fmt.Sprintf("%.1f Mbit/s", bps/1024/1024)
	}
	return fmt.Sprintf("%.1f Gbit/s", bps/1024/1024/1024)
}
