package downloader

import "testing"

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want string
	}{
		{name: "zero", in: 0, want: "0 B"},
		{name: "one byte", in: 1, want: "1 B"},
		{name: "just below a kilobyte", in: 1023, want: "1023 B"},
		{name: "exactly one kilobyte", in: 1024, want: "1 KB"},
		{name: "exactly one megabyte", in: 1024 * 1024, want: "1 MB"},
		{name: "fractional kilobyte", in: 1536, want: "1.5 KB"},
		{name: "fractional megabyte", in: 1024*1024 + 512*1024, want: "1.5 MB"},
		{name: "exactly one gigabyte", in: 1024 * 1024 * 1024, want: "1 GB"},
		{name: "exactly one terabyte", in: 1024 * 1024 * 1024 * 1024, want: "1 TB"},
		{name: "negative reflected", in: -1536, want: "1.5 KB"},
		{name: "negative whole", in: -1024, want: "1 KB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatBytes(tt.in); got != tt.want {
				t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		name  string
		done  int64
		total int64
		want  string
	}{
		{name: "partial", done: 1536, total: 5 * 1024 * 1024, want: "1.5 KB/5 MB"},
		{name: "nothing yet", done: 0, total: 1024, want: "0 B/1 KB"},
		{name: "complete", done: 2048, total: 2048, want: "2 KB/2 KB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatProgress(tt.done, tt.total); got != tt.want {
				t.Errorf("FormatProgress(%d, %d) = %q, want %q", tt.done, tt.total, got, tt.want)
			}
		})
	}
}
