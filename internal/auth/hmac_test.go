package auth

import "testing"

func TestHMACSignDeterministic(t *testing.T) {
	signer, err := NewHMAC("secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first, err := signer.Sign("GET", "/trade/api/v2/ping", "1700000000000", "", "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := signer.Sign("get", "/trade/api/v2/ping", "1700000000000", "", "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if first != second {
		t.Fatalf("method case must not change the signature: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", first)
	}

	other, err := signer.Sign("GET", "/trade/api/v2/ping", "1700000000001", "", "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if other == first {
		t.Fatalf("different timestamps must produce different signatures")
	}
}

func TestHMACRequiresSecret(t *testing.T) {
	if _, err := NewHMAC("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
