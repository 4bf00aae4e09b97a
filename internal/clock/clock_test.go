package clock

import (
	"testing"
	"time"
)

func TestNew_InvalidZone(t *testing.T) {
	if _, err := New("Not/AZone"); err == nil {
		t.Error("New() should fail for an unknown timezone")
	}
}

func TestFilenameStamp(t *testing.T) {
	c, err := New("UTC")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := time.Date(2024, 3, 15, 9, 5, 30, 0, time.UTC)
	got := c.FilenameStamp(ts)
	if got != "20240315_090530" {
		t.Errorf("FilenameStamp() = %q, want %q", got, "20240315_090530")
	}
}

func TestFormat_ConvertsZone(t *testing.T) {
	c, err := New("America/New_York")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// 12:00 UTC in March (EDT) is 08:00 local.
	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	got := c.Format(ts)
	if got != "2024-03-15 08:00:00 EDT" {
		t.Errorf("Format() = %q, want %q", got, "2024-03-15 08:00:00 EDT")
	}
}

func TestParse(t *testing.T) {
	c, err := New("UTC")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		input   string
		wantErr bool
	}{
		{"2024-03-15T09:05:30Z", false},
		{"2024-03-15 09:05:30 UTC", false},
		{"2024-03-15 09:05:30", false},
		{"20240315_090530", false},
		{"not-a-time", true},
	}

	want := time.Date(2024, 3, 15, 9, 5, 30, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := c.Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) should fail", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if !got.Equal(want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, want)
			}
		})
	}
}
