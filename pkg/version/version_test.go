package version

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  ProtocolVersion
	}{
		{"1.0", ProtocolVersion{1, 0}},
		{"1.1", ProtocolVersion{1, 1}},
		{"10.23", ProtocolVersion{10, 23}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, v, tt.want)
			}
			if v.String() != tt.input {
				t.Errorf("String() = %q, want %q", v.String(), tt.input)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1", "1."} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	v10, _ := Parse("1.0")
	v11, _ := Parse("1.1")
	v20, _ := Parse("2.0")
	if !v10.Compatible(v11) {
		t.Error("1.0 and 1.1 should be compatible")
	}
	if v10.Compatible(v20) {
		t.Error("1.0 and 2.0 should not be compatible")
	}
}

func TestALPN(t *testing.T) {
	if got := ALPNProtocol(1); got != "pvgw/1" {
		t.Errorf("ALPNProtocol(1) = %q", got)
	}
	major, err := MajorFromALPN("pvgw/3")
	if err != nil || major != 3 {
		t.Errorf("MajorFromALPN(pvgw/3) = %d, %v", major, err)
	}
	for _, bad := range []string{"h2", "pvgw/", "pvgw/x", "pva/1"} {
		if _, err := MajorFromALPN(bad); err == nil {
			t.Errorf("MajorFromALPN(%q) should fail", bad)
		}
	}
	if got := SupportedALPNProtocols(); len(got) != 1 || got[0] != "pvgw/1" {
		t.Errorf("SupportedALPNProtocols() = %v", got)
	}
}
