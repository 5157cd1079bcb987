package util

import "testing"

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Ana.Garcia@Example.COM", want: "ana.garcia@example.com"},
		{in: "  spaced@example.com  ", want: "spaced@example.com"},
		{in: "plain@example.com", want: "plain@example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "ana.garcia@example.com", "x+tag@sub.example.org"}
	invalid := []string{"", "no-at-sign", "@example.com", "a@b", "spaces in@example.com"}

	for _, email := range valid {
		if !IsValidEmail(email) {
			t.Errorf("IsValidEmail(%q) = false, want true", email)
		}
	}
	for _, email := range invalid {
		if IsValidEmail(email) {
			t.Errorf("IsValidEmail(%q) = true, want false", email)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "55 1234 5678", want: "+525512345678"},
		{in: "+52 55 1234 5678", want: "+525512345678"},
		{in: "(55) 1234-5678", want: "+525512345678"},
		{in: "+14155552671", want: "+14155552671"},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in, "+52"); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidPhone(t *testing.T) {
	valid := []string{"+525512345678", "+14155552671"}
	invalid := []string{"", "12345", "+1", "not-a-phone", "+5255123456789012345"}

	for _, phone := range valid {
		if !IsValidPhone(phone) {
			t.Errorf("IsValidPhone(%q) = false, want true", phone)
		}
	}
	for _, phone := range invalid {
		if IsValidPhone(phone) {
			t.Errorf("IsValidPhone(%q) = true, want false", phone)
		}
	}
}

func TestContainsSuspicious(t *testing.T) {
	if !ContainsSuspicious("<script>alert(1)</script>") {
		t.Error("script tag should be flagged")
	}
	if ContainsSuspicious("Ana Garcia") {
		t.Error("plain name should not be flagged")
	}
}
