package booking

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet is the 33-symbol set used for booking verification codes.
// 0, 1 and O are excluded because guests relay codes verbally or from a
// small phone screen.
const codeAlphabet = "23456789ABCDEFGHIJKLMNPQRSTUVWXYZ"

// CodeLength is the length of a booking verification code
const CodeLength = 6

// NewCode generates a random booking verification code
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating booking code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// ValidCode reports whether a string is a well-formed booking code
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		found := false
		for _, a := range codeAlphabet {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
