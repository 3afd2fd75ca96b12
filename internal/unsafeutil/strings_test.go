package unsafeutil

import "testing"

func TestConversions(t *testing.T) {
	for _, s := range []string{"", "data: {}\n\n", "ünïcode"} {
		b := StringToBytes(s)
		if len(b) != len(s) {
			t.Fatalf("StringToBytes(%q) has length %d", s, len(b))
		}
		if got := BytesToString(b); got != s {
			t.Errorf("round trip of %q gave %q", s, got)
		}
	}
}
