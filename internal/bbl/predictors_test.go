package bbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(fields ...FieldDef) *predictContext {
	s := newFrameSchema(FrameIntra, fields)
	n := len(fields)
	return &predictContext{
		schema:    s,
		current:   make([]int64, n),
		previous:  make([]int64, n),
		previous2: make([]int64, n),
		meta:      defaultMeta(),
	}
}

func TestPredictors(t *testing.T) {
	c := testContext(
		FieldDef{Name: "a", Signed: true, Predictor: PredictorPrevious},
		FieldDef{Name: "b", Signed: true, Predictor: PredictorStraightLine},
		FieldDef{Name: "c", Signed: true, Predictor: PredictorAverage2},
		FieldDef{Name: "d", Predictor: PredictorAverage2},
		FieldDef{Name: "e", Predictor: PredictorMinThrottle},
		FieldDef{Name: "f", Predictor: PredictorServoCenter},
		FieldDef{Name: "g", Predictor: PredictorVbatRef},
		FieldDef{Name: "h", Predictor: PredictorLastMainFrameTime},
		FieldDef{Name: "i", Predictor: PredictorMinMotor},
		FieldDef{Name: "j", Predictor: PredictorIncrement},
	)
	copy(c.previous, []int64{100, 10, -3, 3, 0, 0, 0, 0, 0, 41})
	copy(c.previous2, []int64{90, 7, 0, 0, 0, 0, 0, 0, 0, 40})
	c.meta.MotorOutputLow = 48
	c.lastMainTime = 5000
	c.skipped = 2

	tests := []struct {
		field    int
		residual int64
		want     int64
	}{
		{0, 5, 105},
		{1, 1, 14},
		{2, 0, -1},
		{3, 0, 1},
		{4, 10, 1160},
		{5, -20, 1480},
		{6, -95, 4000},
		{7, 250, 5250},
		{8, 2, 50},
		{9, 99, 44},
	}
	for _, tc := range tests {
		got := c.predict(tc.residual, tc.field, false)
		assert.Equal(t, tc.want, got, "field %s", c.schema.Fields[tc.field].Name)
	}
}

func TestPredictRawKeepsResidual(t *testing.T) {
	c := testContext(FieldDef{Name: "a", Signed: true, Predictor: PredictorPrevious})
	c.previous[0] = 1000
	assert.Equal(t, int64(-4), c.predict(-4, 0, true))
}

func TestPredictFoldsTo32Bits(t *testing.T) {
	c := testContext(
		FieldDef{Name: "u", Predictor: PredictorPrevious},
		FieldDef{Name: "s", Signed: true, Predictor: PredictorPrevious},
	)
	c.previous[0] = 0
	c.previous[1] = 0x7FFFFFFF
	assert.Equal(t, int64(4294967295), c.predict(-1, 0, false), "unsigned wraps")
	assert.Equal(t, int64(-2147483648), c.predict(1, 1, false), "signed wraps")
}

func TestAverage2WrapsAt32Bits(t *testing.T) {
	c := testContext(FieldDef{Name: "u", Predictor: PredictorAverage2})
	c.previous[0] = 4000000000
	c.previous2[0] = 4000000000
	// the sum wraps at 32 bits before halving
	assert.Equal(t, int64(uint32(8000000000%(1<<32))/2), c.predict(0, 0, false))
}

func TestMotor0UsesCurrentFrame(t *testing.T) {
	c := testContext(
		FieldDef{Name: "motor[0]", Predictor: PredictorMinMotor},
		FieldDef{Name: "motor[1]", Signed: true, Predictor: PredictorMotor0},
	)
	c.schema.ref[1] = 0
	c.meta.MotorOutputLow = 48
	c.current[0] = c.predict(100, 0, false)
	assert.Equal(t, int64(148), c.current[0])
	assert.Equal(t, int64(138), c.predict(-10, 1, false))
}

func TestHomeCoordWithoutHome(t *testing.T) {
	c := testContext(FieldDef{Name: "GPS_coord[0]", Signed: true, Predictor: PredictorHomeCoord})
	c.schema.ref[0] = 0
	assert.Equal(t, int64(12), c.predict(12, 0, false))
	c.home = []int64{500000}
	assert.Equal(t, int64(500012), c.predict(12, 0, false))
}

func TestParsePredictor(t *testing.T) {
	for token, want := range map[string]Predictor{
		"0":        PredictorZero,
		"none":     PredictorZero,
		"NONE":     PredictorZero,
		"6":        PredictorIncrement,
		"previous": PredictorPrevious,
		"11":       PredictorMinMotor,
	} {
		got, err := ParsePredictor(token)
		require.NoError(t, err, token)
		assert.Equal(t, want, got, token)
	}
	for _, bad := range []string{"12", "-1", "guess"} {
		_, err := ParsePredictor(bad)
		assert.ErrorIs(t, err, ErrUnsupportedPredictor, bad)
	}
}

func TestHistoryCommits(t *testing.T) {
	h := NewHistory(2)
	copy(h.Scratch(), []int64{5, 6})
	h.CommitIntra()
	assert.Equal(t, []int64{5, 6}, h.Previous())
	assert.Equal(t, []int64{5, 6}, h.Previous2())
	assert.Same(t, &h.Previous()[0], &h.Previous2()[0])
	assert.NotSame(t, &h.Scratch()[0], &h.Previous()[0])

	copy(h.Scratch(), []int64{7, 8})
	h.CommitInter()
	assert.Equal(t, []int64{7, 8}, h.Previous())
	assert.Equal(t, []int64{5, 6}, h.Previous2())
	assert.NotSame(t, &h.Scratch()[0], &h.Previous()[0])
	assert.NotSame(t, &h.Scratch()[0], &h.Previous2()[0])

	copy(h.Scratch(), []int64{9, 10})
	h.CommitInter()
	assert.Equal(t, []int64{9, 10}, h.Previous())
	assert.Equal(t, []int64{7, 8}, h.Previous2())

	h.Reset()
	assert.Equal(t, []int64{0, 0}, h.Previous())
	assert.Equal(t, []int64{0, 0}, h.Previous2())
}
