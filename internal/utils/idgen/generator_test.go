package idgen

import "testing"

func TestGenerateSecureIDValidates(t *testing.T) {
	id, err := GenerateSecureID("bind", 16)
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	if len(id) != len("bind_")+16 {
		t.Fatalf("unexpected id length: %q", id)
	}
	if !ValidateIDFormat(id, "bind") {
		t.Fatalf("generated id %q must validate against its own prefix", id)
	}
}

func TestValidateIDFormat(t *testing.T) {
	cases := []struct {
		id     string
		prefix string
		want   bool
	}{
		{"bind_abc123", "bind", true},
		{"prov_x9", "prov", true},
		{"bind_", "bind", false},
		{"bnd_abc123", "bind", false},
		{"bind_ABC123", "bind", false},
		{"bind_abc-123", "bind", false},
		{"", "bind", false},
	}
	for _, tc := range cases {
		if got := ValidateIDFormat(tc.id, tc.prefix); got != tc.want {
			t.Errorf("ValidateIDFormat(%q, %q) = %v, want %v", tc.id, tc.prefix, got, tc.want)
		}
	}
}
