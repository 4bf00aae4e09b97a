package camera

import (
	"reflect"
	"testing"
)

func TestEncoderArgs(t *testing.T) {
	tests := []struct {
		name    string
		codec   string
		quality int
		want    []string
	}{
		{"default config codec", "mp4v", 95, []string{"-c:v", "mpeg4", "-q:v", "2"}},
		{"mpeg4 alias", "mpeg4", 50, []string{"-c:v", "mpeg4", "-q:v", "16"}},
		{"mpeg4 worst quality", "xvid", 1, []string{"-c:v", "mpeg4", "-q:v", "30"}},
		{"h264 by name", "h264", 50, []string{"-c:v", "libx264", "-crf", "25"}},
		{"empty codec falls back to h264", "", 95, []string{"-c:v", "libx264", "-crf", "2"}},
		{"unknown codec falls back to h264", "prores", 75, []string{"-c:v", "libx264", "-crf", "12"}},
		{"zero quality clamps to default", "mp4v", 0, []string{"-c:v", "mpeg4", "-q:v", "2"}},
		{"oversized quality clamps to default", "", 150, []string{"-c:v", "libx264", "-crf", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encoderArgs(tt.codec, tt.quality); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("encoderArgs(%q, %d) = %v, want %v", tt.codec, tt.quality, got, tt.want)
			}
		})
	}
}
