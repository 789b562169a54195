package pcm_test

import (
	"errors"
	"testing"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

func TestParseRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime   string
		want   int
		wantOK bool
	}{
		{"audio/pcm;rate=16000", 16000, true},
		{"audio/pcm; rate=24000", 24000, true},
		{"audio/L16;codec=pcm;Rate=8000", 8000, true},
		{"audio/pcm", 0, false},
		{"audio/pcm;rate=abc", 0, false},
		{"audio/pcm;rate=-1", 0, false},
	}
	for _, tt := range tests {
		got, ok := pcm.ParseRate(tt.mime)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseRate(%q) = %d, %v; want %d, %v", tt.mime, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEncodeChunk(t *testing.T) {
	t.Parallel()

	c := pcm.EncodeChunk([]float32{0, 0.5}, 1, 16000)
	if c.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", c.MIMEType)
	}
	buf, err := pcm.DecodeChunk(c, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.Frames() != 2 || buf.Channels[0][1] != 0.5 {
		t.Errorf("DecodeChunk = %v", buf.Channels)
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()

	_, err := pcm.DecodeChunk(pcm.EncodedChunk{MIMEType: pcm.MIMEType(24000), Data: "not base64!"}, 1)
	if !errors.Is(err, pcm.ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}
