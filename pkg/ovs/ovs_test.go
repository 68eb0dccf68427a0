package ovs

import "testing"

func TestBridgeName(t *testing.T) {
	tests := []struct {
		labID string
		want  string
	}{
		{"abcdef0123456789", "ovs-abcdef012345"},
		{"short", "ovs-short"},
		{"exactly12ch1", "ovs-exactly12ch1"},
	}
	for _, tt := range tests {
		if got := BridgeName(tt.labID); got != tt.want {
			t.Errorf("BridgeName(%q) = %q, want %q", tt.labID, got, tt.want)
		}
	}
}
