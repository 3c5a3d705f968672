package stringutil

import "testing"

func TestTruncateOutput(t *testing.T) {
	modprobe := []byte("modprobe: FATAL: Module g_mass_storage not found in directory /lib/modules/6.1.21-v8+")

	tests := []struct {
		name   string
		input  []byte
		maxLen int
		want   string
	}{
		{"nil", nil, 16, ""},
		{"short message kept", []byte("Unit smbd.service not loaded."), 64, "Unit smbd.service not loaded."},
		{"exact length kept", []byte("inactive"), 8, "inactive"},
		{"long message cut", modprobe, 32, "modprobe: FATAL: Module g_mass_s... (truncated)"},
		{"negative limit", []byte("failed"), -1, "... (truncated)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := TruncateOutput(tc.input, tc.maxLen); got != tc.want {
				t.Errorf("TruncateOutput(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestLastLines(t *testing.T) {
	out := []byte("fsck.fat 4.2 (2021-01-31)\n\n/dev/loop0p1: 12 files, 40/1000 clusters\n")

	if got := LastLines(out, 1); got != "/dev/loop0p1: 12 files, 40/1000 clusters" {
		t.Errorf("LastLines(1) = %q", got)
	}
	if got := LastLines(out, 5); got != "fsck.fat 4.2 (2021-01-31) | /dev/loop0p1: 12 files, 40/1000 clusters" {
		t.Errorf("LastLines(5) = %q", got)
	}
	if got := LastLines(nil, 3); got != "" {
		t.Errorf("LastLines(nil) = %q", got)
	}
}
