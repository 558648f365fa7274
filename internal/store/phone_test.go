package store

import (
	"reflect"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+55 11 98765-4321", "5511987654321"},
		{"005511987654321", "5511987654321"},
		{"(11) 98765-4321", "11987654321"},
		{"whatsapp:+5511987654321", "5511987654321"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPhoneVariants(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		// Brazilian mobile without the ninth digit gains it.
		{"551187654321", []string{"551187654321", "5511987654321"}},
		// With the ninth digit, the short form is added.
		{"5511987654321", []string{"5511987654321", "551187654321"}},
		// Eleven digits not starting with 9 stay as-is.
		{"5511887654321", []string{"5511887654321"}},
		// Non-Brazilian numbers get no variants.
		{"14155550100", []string{"14155550100"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := PhoneVariants(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("PhoneVariants(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
