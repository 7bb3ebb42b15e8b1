// Package units converts raw logged integers into physical quantities.
package units

import (
	"math"
	"strings"
)

const (
	degToRad = math.Pi / 180
	// axisScale is the fixed-point scale of PID term outputs.
	axisScale = 2048.0
	usPerSec  = 1e6
)

// Context carries the per-log calibration needed for conversion.
type Context struct {
	// GyroScale is the header gyro scale. In degree mode it is degrees per
	// second per LSB, otherwise radians per microsecond per LSB.
	GyroScale float64
	Degrees   bool
	// FieldScale, when non-zero, overrides name-based rules.
	FieldScale float64
}

type rule struct {
	prefix string
	unit   string
	apply  func(raw float64, c Context) float64
}

var rules = []rule{
	{prefix: "gyroADC", unit: "rad/s", apply: gyroToRadians},
	{prefix: "debug", unit: "rad/s", apply: gyroToRadians},
	{prefix: "setpoint", unit: "rad/s", apply: func(v float64, _ Context) float64 { return v * degToRad }},
	{prefix: "axis", unit: "", apply: func(v float64, _ Context) float64 { return v / axisScale }},
	{prefix: "time", unit: "s", apply: func(v float64, _ Context) float64 { return v / usPerSec }},
}

func gyroToRadians(raw float64, c Context) float64 {
	scale := c.GyroScale
	if scale == 0 {
		scale = 1
	}
	if c.Degrees {
		return raw * scale * degToRad
	}
	return raw * scale * usPerSec
}

func lookup(name string) (rule, bool) {
	for _, r := range rules {
		if strings.HasPrefix(name, r.prefix) {
			return r, true
		}
	}
	return rule{}, false
}

// Convert maps one raw value of the named field. Fields without a rule
// pass through unchanged.
func Convert(name string, raw int64, c Context) float64 {
	v := float64(raw)
	if c.FieldScale != 0 {
		return v * c.FieldScale
	}
	if r, ok := lookup(name); ok {
		return r.apply(v, c)
	}
	return v
}

// ConvertAll maps a column.
func ConvertAll(name string, raw []int64, c Context) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = Convert(name, v, c)
	}
	return out
}

// Unit names the physical unit of a converted field, or "" for
// dimensionless and unconverted values.
func Unit(name string, c Context) string {
	if c.FieldScale != 0 {
		return ""
	}
	if r, ok := lookup(name); ok {
		return r.unit
	}
	return ""
}

// Converted reports whether the field has a conversion rule.
func Converted(name string, c Context) bool {
	if c.FieldScale != 0 {
		return true
	}
	_, ok := lookup(name)
	return ok
}
