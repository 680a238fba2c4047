package confparse

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Element configuration arguments are opaque strings handed over by the
// configuration layer. Each argument is either positional or a keyword
// argument of the form "KEYWORD value", keyword in ALL CAPS. The helpers
// here coerce the value part into typed Go values.

// Keyword splits arg into its leading ALL-CAPS keyword and the remaining
// value. ok is false when arg does not start with a keyword.
func Keyword(arg string) (key, value string, ok bool) {
	arg = strings.TrimSpace(arg)
	i := 0
	for i < len(arg) {
		c := rune(arg[i])
		if !unicode.IsUpper(c) && c != '_' && !(i > 0 && unicode.IsDigit(c)) {
			break
		}
		i++
	}
	if i == 0 {
		return "", arg, false
	}
	if i == len(arg) {
		return arg, "", true
	}
	if arg[i] != ' ' && arg[i] != '\t' {
		return "", arg, false
	}

	return arg[:i], strings.TrimSpace(arg[i+1:]), true
}

func Int(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}

	return v, nil
}

func Uint(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer: %q", s)
	}

	return v, nil
}

func Bool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", s)
	}
}

// Duration accepts Go duration syntax ("150ms") and bare numbers, which
// are taken as seconds.
func Duration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("not a duration: %q", s)
	}

	return d, nil
}

// DataSize accepts a byte count with an optional k/m/g suffix (powers of
// 1024).
func DataSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "g"):
		mult, s = 1<<30, s[:len(s)-1]
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("not a data size: %q", s)
	}

	return v * mult, nil
}

func IPAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("not an IP address: %q", s)
	}

	return addr, nil
}

// HexBytes decodes a hex string, ignoring interior whitespace, into raw
// bytes. Used for literal packet payloads in configurations.
func HexBytes(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("not a hex string: %q", s)
	}

	return b, nil
}
