// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordRoundTrip(t *testing.T) {
	encoded, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Errorf("hash prefix = %q, want $argon2id$", encoded[:11])
	}
	if err := VerifyPassword(encoded, "hunter2"); err != nil {
		t.Errorf("VerifyPassword with correct password: %v", err)
	}
}

func TestPasswordMismatch(t *testing.T) {
	encoded, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(encoded, "hunter3"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("VerifyPassword with wrong password = %v, want ErrPasswordMismatch", err)
	}
}

func TestPasswordSaltsDiffer(t *testing.T) {
	first, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	second, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if first == second {
		t.Error("two hashes of the same password are identical; salt is not random")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"wrong_scheme", "$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"},
		{"missing_sections", "$argon2id$v=19$m=65536,t=3,p=2"},
		{"bad_salt", "$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := VerifyPassword(test.encoded, "hunter2")
			if err == nil || errors.Is(err, ErrPasswordMismatch) {
				t.Errorf("VerifyPassword(%q) = %v, want malformed-hash error", test.encoded, err)
			}
		})
	}
}
