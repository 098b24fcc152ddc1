package engine

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var retentionPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d*\.?\d*)s)?$`)

// ParseRetention parses a duration in the <d>d<h>h<m>m<s>s form, where each
// part is optional and seconds may be fractional ("1d12h", "90s", "0.5s").
// The empty string is a zero duration. Values past the largest representable
// duration are clamped to it, which keeps finished jobs forever.
func ParseRetention(s string) (time.Duration, error) {
	m := retentionPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: retention duration %q does not match <d>d<h>h<m>m<s>s", ErrConfig, s)
	}

	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return maxRetention, nil
			}
			return 0, fmt.Errorf("%w: retention duration %q: %v", ErrConfig, s, err)
		}
		if n > math.MaxInt64/int64(unit) {
			return maxRetention, nil
		}
		if d = addRetention(d, time.Duration(n)*unit); d == maxRetention {
			return d, nil
		}
	}
	if secs := m[4]; secs != "" {
		f, err := strconv.ParseFloat(secs, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: retention duration %q: %v", ErrConfig, s, err)
		}
		ns := f * float64(time.Second)
		if ns >= float64(math.MaxInt64) {
			return maxRetention, nil
		}
		d = addRetention(d, time.Duration(ns))
	}
	return d, nil
}

const maxRetention = time.Duration(math.MaxInt64)

// addRetention adds two non-negative durations, saturating at maxRetention.
func addRetention(a, b time.Duration) time.Duration {
	if a > maxRetention-b {
		return maxRetention
	}
	return a + b
}
