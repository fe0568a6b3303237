package logging

import "testing"

func TestMaskFieldRedactsSecrets(t *testing.T) {
	attr := MaskField("admin_secret", "hunter2")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("secret not masked: %s", attr.Value.String())
	}

	attr = MaskField("token", "WBTC")
	if attr.Value.String() != "WBTC" {
		t.Fatalf("allowlisted key masked: %s", attr.Value.String())
	}

	attr = MaskField("api_key", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %q", attr.Value.String())
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("blank value rewritten: %q", got)
	}
	if got := MaskValue("secret"); got != RedactedValue {
		t.Fatalf("value not masked: %q", got)
	}
}

func TestAllowlistExcludesCredentialKeys(t *testing.T) {
	for _, key := range []string{"authorization", "bearer", "secret", "passphrase", "api_key"} {
		if IsAllowlisted(key) {
			t.Fatalf("credential key %q allowlisted", key)
		}
	}
	for _, key := range RedactionAllowlist() {
		if !IsAllowlisted(key) {
			t.Fatalf("allowlist entry %q not recognised", key)
		}
	}
}
