package downloader

import (
	"fmt"
	"strconv"
)

const (
	kib = int64(1024)
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

// FormatBytes renders n using binary units. Integer-valued results render
// without a decimal, fractional ones with exactly one. Negative inputs are
// reflected to positive before formatting.
func FormatBytes(n int64) string {
	if n < 0 {
		n = -n
	}

	if n == 0 {
		return "0 B"
	}

	units := []struct {
		div    int64
		suffix string
	}{
		{tib, "TB"},
		{gib, "GB"},
		{mib, "MB"},
		{kib, "KB"},
		{1, "B"},
	}

	for _, u := range units {
		if n < u.div {
			continue
		}

		if n%u.div == 0 {
			return strconv.FormatInt(n/u.div, 10) + " " + u.suffix
		}

		return fmt.Sprintf("%.1f %s", float64(n)/float64(u.div), u.suffix)
	}

	return strconv.FormatInt(n, 10) + " B"
}

// FormatProgress renders a "<done>/<total>" pair for progress display.
func FormatProgress(done, total int64) string {
	return FormatBytes(done) + "/" + FormatBytes(total)
}
