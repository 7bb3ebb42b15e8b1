package bbl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bblog/internal/bbltest"
)

func openTestSection(t *testing.T, data []byte, opts ...Option) *sectionDecoder {
	t.Helper()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sec, check, err := openSection(data, 0, [2]int{0, len(data)}, &o)
	require.NoError(t, err)
	return newSectionDecoder(data, sec, check, &o)
}

func compactHeader() *bbltest.Builder {
	return bbltest.New().
		Header("fields", "time,gyroADC[0]").
		Header("predictors", "0,1").
		Header("encodings", "0,0")
}

func TestHistoryAfterFirstFrame(t *testing.T) {
	data := compactHeader().Frame('I', bbltest.UVB(0), bbltest.UVB(10)).Bytes()
	d := openTestSection(t, data)
	f, err := d.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f)

	assert.Equal(t, []int64{0, 10}, d.hist.Previous())
	assert.Equal(t, []int64{0, 10}, d.hist.Previous2())
	assert.Equal(t, f.Frames[0].Values, d.hist.Previous())
}

func TestFindSections(t *testing.T) {
	one := bbltest.New().Product().Header("Data version", "2").Raw('I', 0).Bytes()
	two := append(append([]byte{}, one...), one...)

	assert.Equal(t, [][2]int{{0, len(one)}}, FindSections(one))
	assert.Equal(t, [][2]int{{0, len(one)}, {len(one), len(two)}}, FindSections(two))

	bare := compactHeader().Bytes()
	assert.Equal(t, [][2]int{{0, len(bare)}}, FindSections(bare))

	assert.Nil(t, FindSections([]byte("not a log")))

	prefixed := append([]byte("garbage"), one...)
	assert.Equal(t, [][2]int{{7, len(prefixed)}}, FindSections(prefixed))

	// a header run after frame data starts a section even without a product line
	first := compactHeader().Raw('I', 0).Bytes()
	repeated := append(append([]byte{}, first...), bare...)
	assert.Equal(t, [][2]int{{0, len(first)}, {len(first), len(repeated)}}, FindSections(repeated))

	// frame bytes that happen to spell "H " are not a header line
	noisy := compactHeader().Raw('I', 'H', ' ', 0x01, 0x02).Bytes()
	assert.Equal(t, [][2]int{{0, len(noisy)}}, FindSections(noisy))
}

func TestShouldHaveFrame(t *testing.T) {
	data := compactHeader().Header("I interval", "32").Header("P interval", "1/4").Bytes()
	d := openTestSection(t, data)
	var logged []int64
	for i := int64(0); i < 12; i++ {
		if d.shouldHaveFrame(i) {
			logged = append(logged, i)
		}
	}
	assert.Equal(t, []int64{0, 4, 8}, logged)

	// the iteration counter restarts at each I interval
	assert.True(t, d.shouldHaveFrame(32))
	assert.False(t, d.shouldHaveFrame(33))
}

func TestCountSkippedNeedsIterationField(t *testing.T) {
	data := compactHeader().Header("P interval", "1/4").Bytes()
	d := openTestSection(t, data)
	d.lastIteration = 0
	assert.Equal(t, 0, d.countSkipped(), "no loop iteration field")
}

func TestApplyRollover(t *testing.T) {
	d := openTestSection(t, compactHeader().Bytes())
	cur := []int64{0xFFFFFF00, 0}
	d.applyRollover(cur)
	assert.Equal(t, int64(0xFFFFFF00), cur[0])
	d.lastTime = cur[0]

	cur = []int64{0x100, 0}
	d.applyRollover(cur)
	assert.Equal(t, int64(1<<32+0x100), cur[0])
	d.lastTime = cur[0]

	// later frames keep the accumulated offset
	cur = []int64{0x200, 0}
	d.applyRollover(cur)
	assert.Equal(t, int64(1<<32+0x200), cur[0])
}

func TestContinuous(t *testing.T) {
	d := openTestSection(t, compactHeader().Bytes())
	assert.True(t, d.continuous([]int64{5, 0}), "first frame")
	d.lastTime = 1000
	assert.True(t, d.continuous([]int64{1000, 0}))
	assert.True(t, d.continuous([]int64{1000 + maxTimeJump, 0}))
	assert.False(t, d.continuous([]int64{999, 0}))
	assert.False(t, d.continuous([]int64{1001 + maxTimeJump, 0}))
}

func TestContinuityRebaselinesAfterForwardJump(t *testing.T) {
	d := openTestSection(t, compactHeader().Bytes())
	d.lastTime = 1000
	jumped := []int64{1000 + 2*maxTimeJump, 0}
	require.False(t, d.continuous(jumped))
	assert.False(t, d.resumesAfterJump(jumped))

	d.noteJump(jumped)
	assert.True(t, d.resumesAfterJump([]int64{jumped[0] + 1000, 0}))
	assert.False(t, d.resumesAfterJump([]int64{jumped[0] - 1, 0}))

	// a backwards step is never a new baseline
	d.jumpValid = false
	d.noteJump([]int64{500, 0})
	assert.False(t, d.resumesAfterJump([]int64{600, 0}))
}
