package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidE164(t *testing.T) {
	valid := []string{
		"+250788123456",
		"+14155552671",
		"+4915123456789",
		"+8613800138000",
	}
	for _, phone := range valid {
		assert.True(t, ValidE164(phone), phone)
	}

	invalid := []string{
		"",
		"250788123456",      // missing plus
		"+0788123456",       // leading zero after plus
		"+25078",            // too short
		"+2507881234567890", // too long
		"+250 788 123 456",
		"+250788abc456",
		"0788123456",
	}
	for _, phone := range invalid {
		assert.False(t, ValidE164(phone), phone)
	}
}
