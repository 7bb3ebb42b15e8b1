// Package checksum implements the one-byte frame checksums a recorder may
// append after each frame.
package checksum

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnsupportedProfile = errors.New("unsupported checksum profile")

// Sum8 is a streaming 8-bit checksum.
type Sum8 struct {
	value byte
	poly  byte
	crc   bool
}

type sum8Params struct {
	poly byte
	init byte
	crc  bool
}

var profiles = map[string]sum8Params{
	"xor8": {},
	// CRC-8/DVB-S2
	"crc8": {poly: 0xD5, crc: true},
}

// Profiles lists the supported profile names.
func Profiles() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New returns an initialized calculator for the supplied profile.
func New(profile string) (*Sum8, error) {
	params, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProfile, profile)
	}
	return &Sum8{value: params.init, poly: params.poly, crc: params.crc}, nil
}

// Write updates the checksum with the provided data.
func (s *Sum8) Write(p []byte) {
	if s == nil {
		return
	}
	if !s.crc {
		for _, b := range p {
			s.value ^= b
		}
		return
	}
	for _, b := range p {
		s.value ^= b
		for i := 0; i < 8; i++ {
			if s.value&0x80 != 0 {
				s.value = (s.value << 1) ^ s.poly
			} else {
				s.value <<= 1
			}
		}
	}
}

func (s *Sum8) Sum8() byte {
	if s == nil {
		return 0
	}
	return s.value
}

// Compute calculates the checksum of data under profile.
func Compute(profile string, data []byte) (byte, error) {
	calc, err := New(profile)
	if err != nil {
		return 0, err
	}
	calc.Write(data)
	return calc.Sum8(), nil
}
