package crypto

import "testing"

func TestHashAndVerify(t *testing.T) {
	h, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !IsBcryptHash(h) {
		t.Errorf("hash %q not recognized as bcrypt", h)
	}
	if !VerifyPassword(h, "hunter2") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(h, "hunter3") {
		t.Error("wrong password accepted")
	}
}

func TestHashEmptyPassword(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestIsBcryptHash(t *testing.T) {
	if IsBcryptHash("plaintext") {
		t.Error("plaintext mistaken for a hash")
	}
	if !IsBcryptHash("$2b$12$abcdefghijklmnopqrstuv") {
		t.Error("bcrypt prefix not recognized")
	}
}
