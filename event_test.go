package foldstream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildStreamID(t *testing.T) {
	t.Run("joins app, aggregate and id with colons", func(t *testing.T) {
		assert.Equal(t, "bank:account:42", BuildStreamID("bank", "account", "42"))
	})

	t.Run("namespaced names render with dots", func(t *testing.T) {
		assert.Equal(t, "acme.bank:core.account:7", BuildStreamID("acme/bank", "core/account", 7))
	})
}

func TestFormatID(t *testing.T) {
	tests := []struct {
		name string
		id   any
		want string
	}{
		{"string verbatim", "abc-123", "abc-123"},
		{"int base 10", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"uint64", uint64(9), "9"},
		{"float shortest form", 25.17, "25.17"},
		{"float integral", 3.0, "3"},
		{"bool", true, "true"},
		{"stringer", net.IPv4(127, 0, 0, 1), "127.0.0.1"},
		{"fallback", []int{1, 2}, "[1 2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatID(tt.id))
		})
	}
}
