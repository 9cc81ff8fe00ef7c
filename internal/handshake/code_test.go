package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"bare", "12345", "12345", true},
		{"padded", "  67890\n", "67890", true},
		{"service message", "Login code: 48213. Do not give this code to anyone, even if they say they are from support!", "48213", true},
		{"spaced digits", "your code is 4 8 2 1 3", "48213", true},
		{"dashed digits", "48-213", "48213", true},
		{"too short", "1234", "", false},
		{"no digits", "hello", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCode(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
