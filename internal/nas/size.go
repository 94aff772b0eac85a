package nas

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var sizeUnits = []string{"B", "K", "M", "G", "T", "P", "E"}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([bkmgtpe])?(?:i?b)?$`)

// ParseSize converts a human-readable size such as "512M" or "1.5g" to bytes.
// Units are powers of 1024 and case-insensitive; an optional trailing "B" or
// "iB" is accepted ("512MB", "512MiB"). A bare number is bytes. Fractional
// results are truncated to whole bytes.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, errorf(ErrValidation, "invalid size %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errorf(ErrValidation, "invalid size %q: %v", s, err)
	}
	exp := 0
	if m[2] != "" {
		exp = strings.Index("bkmgtpe", m[2])
	}
	v := n * math.Pow(1024, float64(exp))
	if v >= math.MaxInt64 {
		return 0, errorf(ErrValidation, "size %q overflows", s)
	}
	return int64(v), nil
}

// FormatSize renders bytes with the largest unit that keeps the value >= 1,
// using at most two decimals: 536870912 -> "512M", 1610612736 -> "1.5G".
func FormatSize(n int64) string {
	if n < 1024 {
		return strconv.FormatInt(n, 10) + "B"
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + sizeUnits[i]
}
