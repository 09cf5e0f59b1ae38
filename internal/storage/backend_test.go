package storage

import (
	"errors"
	"io"
	"strings"
	"testing"

	apperr "github.com/honeydew/honeydew/internal/errors"
)

func TestResolveRange(t *testing.T) {
	tests := []struct {
		name       string
		rng        *ByteRange
		size, max  int64
		wantOffset int64
		wantCount  int64
		wantErr    bool
	}{
		{"nil range", nil, 1000, 0, 0, 1000, false},
		{"closed", NewByteRange(100, 199), 1000, 0, 100, 100, false},
		{"open end", NewByteRange(900, -1), 1000, 0, 900, 100, false},
		{"open start", NewByteRange(-1, 9), 1000, 0, 0, 10, false},
		{"end clamped", NewByteRange(990, 5000), 1000, 0, 990, 10, false},
		{"capped open end", NewByteRange(0, -1), 1000, 64, 0, 64, false},
		{"cap larger than range", NewByteRange(100, 199), 1000, 500, 100, 100, false},
		{"start at size", NewByteRange(1000, -1), 1000, 0, 0, 0, true},
		{"start after end", NewByteRange(50, 10), 1000, 0, 0, 0, true},
		{"empty object", NewByteRange(0, -1), 0, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, count, err := resolveRange(tt.rng, tt.size, tt.max)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrInvalidRange) {
					t.Errorf("err = %v, want ErrInvalidRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if offset != tt.wantOffset || count != tt.wantCount {
				t.Errorf("resolveRange = (%d, %d), want (%d, %d)", offset, count, tt.wantOffset, tt.wantCount)
			}
		})
	}
}

func TestParseContentRange(t *testing.T) {
	cr, err := ParseContentRange("bytes 100-199/1000")
	if err != nil {
		t.Fatalf("ParseContentRange: %v", err)
	}
	if cr.Start != 100 || cr.End != 199 || cr.Size != 1000 {
		t.Errorf("parsed = %+v", cr)
	}
	if cr.String() != "bytes 100-199/1000" {
		t.Errorf("String() = %q", cr.String())
	}

	for _, bad := range []string{"", "bytes */1000", "items 1-2/3", "bytes 5-1/10", "bytes 1-2"} {
		if _, err := ParseContentRange(bad); err == nil {
			t.Errorf("ParseContentRange(%q) should fail", bad)
		}
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestLimitedReadCloser(t *testing.T) {
	src := &closeTracker{Reader: strings.NewReader("0123456789")}
	rc := newLimitedReadCloser(src, 4)
	got, _ := io.ReadAll(rc)
	if string(got) != "0123" {
		t.Errorf("read %q, want 0123", got)
	}
	rc.Close()
	if !src.closed {
		t.Error("Close not forwarded")
	}
}
