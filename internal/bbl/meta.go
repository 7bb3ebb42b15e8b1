package bbl

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"example.com/bblog/internal/checksum"
	"example.com/bblog/internal/header"
)

// FirmwareType is the flight-controller family that wrote the log.
type FirmwareType int

const (
	FirmwareUnknown FirmwareType = iota
	FirmwareBaseflight
	FirmwareCleanflight
	FirmwareBetaflight
)

func (f FirmwareType) String() string {
	switch f {
	case FirmwareBaseflight:
		return "baseflight"
	case FirmwareCleanflight:
		return "cleanflight"
	case FirmwareBetaflight:
		return "betaflight"
	default:
		return "unknown"
	}
}

func (f FirmwareType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// PID holds one axis of tuning gains.
type PID struct {
	P  int `json:"p"`
	I  int `json:"i"`
	D  int `json:"d"`
	FF int `json:"ff"`
}

const (
	AxisRoll = iota
	AxisPitch
	AxisYaw
)

var pidKeys = [3]string{"rollPID", "pitchPID", "yawPID"}

// Meta is the session-level configuration recorded in a section header.
type Meta struct {
	Product          string       `json:"product,omitempty"`
	Dialect          Dialect      `json:"-"`
	DataVersion      int          `json:"dataVersion"`
	FirmwareType     FirmwareType `json:"firmwareType"`
	FirmwareRevision string       `json:"firmwareRevision,omitempty"`
	FirmwareDate     string       `json:"firmwareDate,omitempty"`
	BoardInfo        string       `json:"boardInfo,omitempty"`
	CraftName        string       `json:"craftName,omitempty"`
	LogStart         string       `json:"logStart,omitempty"`

	IInterval      int `json:"iInterval"`
	PIntervalNum   int `json:"pIntervalNum"`
	PIntervalDenom int `json:"pIntervalDenom"`

	MinThrottle     int `json:"minThrottle"`
	MaxThrottle     int `json:"maxThrottle"`
	MotorOutputLow  int `json:"motorOutputLow"`
	MotorOutputHigh int `json:"motorOutputHigh"`

	VbatRef            int `json:"vbatRef"`
	VbatScale          int `json:"vbatScale"`
	VbatCellMin        int `json:"vbatCellMin"`
	VbatCellWarn       int `json:"vbatCellWarn"`
	VbatCellMax        int `json:"vbatCellMax"`
	CurrentMeterOffset int `json:"currentMeterOffset"`
	CurrentMeterScale  int `json:"currentMeterScale"`

	GyroScale float64 `json:"gyroScale"`
	Acc1G     int     `json:"acc1G"`

	PID      [3]PID `json:"pid"`
	HasPID   bool   `json:"hasPid"`
	Checksum string `json:"checksum"`

	Raw map[string]string `json:"raw"`
}

func defaultMeta() *Meta {
	return &Meta{
		DataVersion:       2,
		IInterval:         32,
		PIntervalNum:      1,
		PIntervalDenom:    1,
		MinThrottle:       1150,
		MaxThrottle:       1850,
		VbatRef:           4095,
		VbatScale:         110,
		VbatCellMin:       33,
		VbatCellWarn:      35,
		VbatCellMax:       43,
		CurrentMeterScale: 400,
		GyroScale:         1,
		Acc1G:             1,
		Checksum:          "none",
	}
}

// parseMeta reads the recognised metadata keys. Unparseable numbers keep
// their defaults; only an unknown checksum name is an error, since frames
// could not be validated.
func parseMeta(doc *header.Document, dialect Dialect) (*Meta, error) {
	m := defaultMeta()
	m.Dialect = dialect
	m.Raw = doc.Map()
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := doc.Get(k); ok {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	m.Product, _ = get("Product")
	m.FirmwareRevision, _ = get("Firmware revision")
	m.FirmwareDate, _ = get("Firmware date")
	m.BoardInfo, _ = get("Board information")
	m.CraftName, _ = get("Craft name")
	m.LogStart, _ = get("Log start datetime")
	if v, ok := get("Data version"); ok {
		m.DataVersion = atoiDefault(v, m.DataVersion)
	}
	fwType, _ := get("Firmware type")
	m.FirmwareType = detectFirmware(fwType, m.FirmwareRevision)

	if v, ok := get("I interval"); ok {
		m.IInterval = atoiDefault(v, m.IInterval)
		if m.IInterval < 1 {
			m.IInterval = 1
		}
	}
	if v, ok := get("P interval"); ok {
		num, denom, found := strings.Cut(v, "/")
		m.PIntervalNum = atoiDefault(num, 1)
		if found {
			m.PIntervalDenom = atoiDefault(denom, 1)
		}
		if m.PIntervalNum < 1 {
			m.PIntervalNum = 1
		}
		if m.PIntervalDenom < 1 {
			m.PIntervalDenom = 1
		}
	}

	if v, ok := get("minthrottle"); ok {
		m.MinThrottle = atoiDefault(v, m.MinThrottle)
	}
	if v, ok := get("maxthrottle"); ok {
		m.MaxThrottle = atoiDefault(v, m.MaxThrottle)
	}
	if ints := intList(get("motorOutput")); len(ints) >= 1 {
		m.MotorOutputLow = ints[0]
		if len(ints) >= 2 {
			m.MotorOutputHigh = ints[1]
		}
	}
	if v, ok := get("vbatref"); ok {
		m.VbatRef = atoiDefault(v, m.VbatRef)
	}
	if v, ok := get("vbatscale", "vbat_scale"); ok {
		m.VbatScale = atoiDefault(v, m.VbatScale)
	}
	if ints := intList(get("vbatcellvoltage")); len(ints) == 3 {
		m.VbatCellMin, m.VbatCellWarn, m.VbatCellMax = ints[0], ints[1], ints[2]
	}
	if ints := intList(get("currentSensor", "currentMeter")); len(ints) == 2 {
		m.CurrentMeterOffset, m.CurrentMeterScale = ints[0], ints[1]
	}
	if v, ok := get("gyro_scale", "gyro.scale"); ok {
		if f, ok := parseGyroScale(v); ok {
			m.GyroScale = f
		}
	}
	if v, ok := get("acc_1G"); ok {
		m.Acc1G = atoiDefault(v, m.Acc1G)
	}

	for axis, key := range pidKeys {
		ints := intList(get(key))
		if len(ints) < 3 {
			continue
		}
		m.HasPID = true
		m.PID[axis] = PID{P: ints[0], I: ints[1], D: ints[2]}
		if len(ints) >= 4 {
			m.PID[axis].FF = ints[3]
		}
	}
	if ints := intList(get("ff_weight", "feedforward_weight")); len(ints) >= 3 {
		for axis := range m.PID {
			m.PID[axis].FF = ints[axis]
		}
	}

	if v, ok := get("Checksum", "checksum"); ok {
		name := strings.ToLower(v)
		if err := validChecksum(name); err != nil {
			he := &HeaderError{Key: "Checksum", Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
			if e, ok := doc.Entry("Checksum"); ok {
				he.Line = e.Line
			}
			return nil, he
		}
		m.Checksum = name
	}
	return m, nil
}

func validChecksum(name string) error {
	if name == "none" {
		return nil
	}
	_, err := checksum.New(name)
	return err
}

func detectFirmware(fwType, revision string) FirmwareType {
	switch {
	case strings.HasPrefix(strings.ToLower(revision), "betaflight"):
		return FirmwareBetaflight
	case strings.EqualFold(fwType, "Cleanflight"):
		return FirmwareCleanflight
	case strings.EqualFold(fwType, "Baseflight"):
		return FirmwareBaseflight
	default:
		return FirmwareUnknown
	}
}

// parseGyroScale accepts the recorder's hex rendering of IEEE 754 bits as
// well as a plain decimal.
func parseGyroScale(v string) (float64, bool) {
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		bits, err := strconv.ParseUint(v[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return float64(math.Float32frombits(uint32(bits))), true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func atoiDefault(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// intList parses a comma separated list, stopping at the first non-number.
func intList(v string, ok bool) []int {
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out
}

// PIDFor returns the gains of one axis by name (roll, pitch, yaw).
func (m *Meta) PIDFor(axis string) (PID, bool) {
	switch strings.ToLower(axis) {
	case "roll":
		return m.PID[AxisRoll], m.HasPID
	case "pitch":
		return m.PID[AxisPitch], m.HasPID
	case "yaw":
		return m.PID[AxisYaw], m.HasPID
	}
	return PID{}, false
}
