package report

import (
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 128

var errEmptyDigest = errors.New("report: digest has no hex digits")

// HashToQR renders a hex digest as a PNG QR code. Separators and other
// non-hex characters are dropped so "ab:cd" and "ABCD" encode the same.
func HashToQR(hash string, size int) ([]byte, error) {
	digest := sanitizeHash(hash)
	if digest == "" {
		return nil, errEmptyDigest
	}
	if size <= 0 {
		size = defaultQRSize
	}
	return qrcode.Encode(digest, qrcode.Medium, size)
}

func sanitizeHash(hash string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			return r
		case r >= 'a' && r <= 'f':
			return r - 'a' + 'A'
		}
		return -1
	}, hash)
}
