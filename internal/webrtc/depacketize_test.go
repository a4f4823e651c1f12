package webrtc

import (
	"bytes"
	"testing"
)

type pkt struct {
	seq     uint16
	payload []byte
}

// FU-A packets fragmenting an IDR slice (NRI 3, type 5).
var (
	fuStartIDR = []byte{0x7C, 0x85, 0x01, 0x02}
	fuMidIDR   = []byte{0x7C, 0x05, 0x03, 0x04}
	fuEndIDR   = []byte{0x7C, 0x45, 0x05, 0x06}
)

func TestDepacketize(t *testing.T) {
	tests := []struct {
		name    string
		packets []pkt
		want    [][]byte
	}{
		{
			name:    "single NAL",
			packets: []pkt{{100, []byte{0x65, 0x01, 0x02, 0x03}}},
			want:    [][]byte{{0x65, 0x01, 0x02, 0x03}},
		},
		{
			name:    "STAP-A with SPS and PPS",
			packets: []pkt{{100, []byte{0x18, 0x00, 0x03, 0x67, 0xAA, 0xBB, 0x00, 0x02, 0x68, 0xCC}}},
			want:    [][]byte{{0x67, 0xAA, 0xBB}, {0x68, 0xCC}},
		},
		{
			name:    "STAP-A stops at zero size",
			packets: []pkt{{100, []byte{0x18, 0x00, 0x00}}},
		},
		{
			name:    "STAP-A stops at overlong size",
			packets: []pkt{{100, []byte{0x18, 0x00, 0x01, 0x09, 0x00, 0x05, 0x41}}},
			want:    [][]byte{{0x09}},
		},
		{
			name:    "FU-A reassembly",
			packets: []pkt{{100, fuStartIDR}, {101, fuMidIDR}, {102, fuEndIDR}},
			want:    [][]byte{{0x65, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}},
		},
		{
			name:    "FU-A across sequence wrap",
			packets: []pkt{{65535, []byte{0x7C, 0x85, 0x01}}, {0, []byte{0x7C, 0x45, 0x02}}},
			want:    [][]byte{{0x65, 0x01, 0x02}},
		},
		{
			name:    "FU-A gap drops the unit",
			packets: []pkt{{100, fuStartIDR}, {102, fuMidIDR}, {103, fuEndIDR}},
		},
		{
			name:    "orphan FU-A end",
			packets: []pkt{{7, fuEndIDR}},
		},
		{
			name:    "single NAL aborts pending FU-A",
			packets: []pkt{{10, fuStartIDR}, {11, []byte{0x61, 0xAA}}, {12, fuEndIDR}},
			want:    [][]byte{{0x61, 0xAA}},
		},
		{
			name:    "empty and reserved types",
			packets: []pkt{{1, nil}, {2, []byte{}}, {3, []byte{0x00, 0x01}}, {4, []byte{0x1F}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewH264Depacketizer()
			var got [][]byte
			for _, p := range tt.packets {
				got = append(got, d.Depacketize(p.seq, p.payload)...)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d NAL units %x, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("unit %d = %x, want %x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDepacketize_InstancesDoNotShareState(t *testing.T) {
	a, b := NewH264Depacketizer(), NewH264Depacketizer()
	a.Depacketize(100, fuStartIDR)

	if got := b.Depacketize(101, fuEndIDR); got != nil {
		t.Fatalf("b completed a unit it never started: %x", got)
	}
	if got := a.Depacketize(101, fuEndIDR); len(got) != 1 {
		t.Fatalf("a produced %d units, want 1", len(got))
	}
}

func TestAppendAnnexB(t *testing.T) {
	d := NewH264Depacketizer()
	stap := []byte{0x18, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x68, 0xCE}

	buf := d.AppendAnnexB([]byte("x"), 1, stap)
	want := []byte{'x', 0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68, 0xCE}
	if !bytes.Equal(buf, want) {
		t.Errorf("AppendAnnexB = %x, want %x", buf, want)
	}

	if got := d.AppendAnnexB(nil, 2, fuStartIDR); len(got) != 0 {
		t.Errorf("incomplete FU-A wrote %x", got)
	}
}
