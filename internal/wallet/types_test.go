package wallet

import (
	"math/big"
	"testing"
)

func TestParseWallet(t *testing.T) {
	w, err := ParseWallet("42", "0x1000000000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if w.TokenID.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("token id = %s", w.TokenID)
	}

	// Hex token ids are accepted too.
	w, err = ParseWallet("0x2a", "0x1000000000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if w.TokenID.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("hex token id = %s", w.TokenID)
	}

	if _, err := ParseWallet("forty-two", "0x1000000000000000000000000000000000000001"); err == nil {
		t.Error("expected error for non-numeric token id")
	}
	if _, err := ParseWallet("42", "0x123"); err == nil {
		t.Error("expected error for short address")
	}
	if _, err := ParseTokenID("-1"); err == nil {
		t.Error("expected error for negative token id")
	}
}

func TestToolIDValid(t *testing.T) {
	valid := []ToolID{
		"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		"bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
	}
	for _, id := range valid {
		if !id.Valid() {
			t.Errorf("%s should be valid", id)
		}
	}

	invalid := []ToolID{
		"",
		"QmTooShort",
		"Qm0000000000000000000000000000000000000000000O", // 0 and O are not base58
		"notacid",
		"BAFYBEIGDYRZT5SFP7UDM7HU76UH7Y26NF3EFUYLQABF3OCLGTQY55FBZD", // CIDv1 is lowercase
	}
	for _, id := range invalid {
		if id.Valid() {
			t.Errorf("%s should be invalid", id)
		}
	}
}

func TestParseAddressRejectsPadding(t *testing.T) {
	// HexToAddress alone would zero-pad these.
	for _, s := range []string{"0x1", "1000000000000000000000000000000000000001x"} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("%q should be rejected", s)
		}
	}
	addr, err := ParseAddress("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Hex() == "" {
		t.Fatal("empty address")
	}
}
