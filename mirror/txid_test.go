package mirror

import "testing"

func TestTranslateTransactionID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0.0.2252@1640075693.891386528", "0.0.2252-1640075693-891386528"},
		{"0.0.2252@1640075693.891386528/1", "0.0.2252-1640075693-891386528"},
		{"0.0.2252@1640075693.891386528/1?schedule", "0.0.2252-1640075693-891386528"},
		{"0.0.2252@1640075693.891386528?schedule", "0.0.2252-1640075693-891386528"},
		{"0.0.7@5.9", "0.0.7-5-9"},
	}
	for _, tc := range cases {
		got, err := TranslateTransactionID(tc.in)
		if err != nil {
			t.Fatalf("translate %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("translate %q: expected %q got %q", tc.in, tc.want, got)
		}
	}
}

func TestTranslateTransactionIDRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"0.0.2252",
		"0.0.2252@",
		"0.0.2252@1640075693",
		"2252@1640075693.891386528",
		"0.0.2252-1640075693-891386528",
		"0.0.2252@1640075693.891386528/x",
		"abc",
	}
	for _, in := range cases {
		if got, err := TranslateTransactionID(in); err == nil {
			t.Fatalf("translate %q: expected error, got %q", in, got)
		}
	}
}

func TestSplitConsensusTimestamp(t *testing.T) {
	seconds, nanos, err := SplitConsensusTimestamp("1640075703.111222333")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if seconds != 1640075703 {
		t.Fatalf("expected seconds 1640075703 got %d", seconds)
	}
	if nanos != 111222333 {
		t.Fatalf("expected nanos 111222333 got %d", nanos)
	}
	if _, _, err := SplitConsensusTimestamp("1640075703"); err == nil {
		t.Fatalf("expected error for timestamp without nanos")
	}
}
