package segment

import (
	"testing"
)

func TestFileExt(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"audio/webm", "webm"},
		{"audio/webm;codecs=opus", "webm"},
		{"audio/wav", "wav"},
		{"audio/x-wav", "wav"},
		{"audio/mpeg", "mp3"},
		{"audio/ogg", "ogg"},
		{"audio/mp4", "m4a"},
		{"AUDIO/WAV", "wav"},
		{"application/octet-stream", "webm"},
		{"", "webm"},
	}
	for _, c := range cases {
		seg := &PendingSegment{MimeType: c.mime}
		if got := seg.FileExt(); got != c.want {
			t.Errorf("FileExt(%q) = %q, 期望 %q", c.mime, got, c.want)
		}
	}
}

func TestFileName(t *testing.T) {
	seg := &PendingSegment{LocalID: "abc-123", MimeType: "audio/wav"}
	if got := seg.FileName(); got != "segment_abc-123.wav" {
		t.Errorf("FileName() = %q", got)
	}
}
