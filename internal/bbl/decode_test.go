package bbl_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/bbltest"
	"example.com/bblog/internal/common"
)

var (
	uvb = bbltest.UVB
	svb = bbltest.SVB
)

// compact starts a two-field log in the compact dialect.
func compact(predictors string) *bbltest.Builder {
	return bbltest.New().
		Header("fields", "time,gyroADC[0]").
		Header("predictors", predictors).
		Header("encodings", "0,0")
}

// betaflight starts a section in the recorder's own dialect with main, slow
// and GPS schemas.
func betaflight(b *bbltest.Builder, pInterval string) *bbltest.Builder {
	return b.Product().
		Header("Data version", "2").
		Header("I interval", "32").
		Header("P interval", pInterval).
		Header("motorOutput", "48,2047").
		Header("Field I name", "loopIteration,time,axisP[0],gyroADC[0],motor[0],motor[1]").
		Header("Field I signed", "0,0,1,1,0,0").
		Header("Field I predictor", "0,0,0,0,11,5").
		Header("Field I encoding", "1,1,0,0,1,0").
		Header("Field P predictor", "6,2,1,1,1,1").
		Header("Field P encoding", "9,0,8,8,8,8").
		Header("Field S name", "flightModeFlags,stateFlags").
		Header("Field S signed", "0,0").
		Header("Field S predictor", "0,0").
		Header("Field S encoding", "1,1").
		Header("Field H name", "GPS_home[0],GPS_home[1]").
		Header("Field H signed", "1,1").
		Header("Field H predictor", "0,0").
		Header("Field H encoding", "0,0").
		Header("Field G name", "time,GPS_numSat,GPS_coord[0],GPS_coord[1]").
		Header("Field G signed", "0,0,1,1").
		Header("Field G predictor", "10,0,7,7").
		Header("Field G encoding", "1,1,0,0")
}

func intraFrame(b *bbltest.Builder) *bbltest.Builder {
	return b.Frame('I', uvb(0), uvb(1000), svb(-20), svb(5), uvb(100), svb(10))
}

func interFrames(b *bbltest.Builder) *bbltest.Builder {
	return b.
		Frame('P', svb(500), bbltest.Tag8x4S16([4]int32{3, -1, 2, 0})).
		Frame('P', svb(0), bbltest.Tag8x4S16([4]int32{0, 0, 0, -8}))
}

func rowValues(f *bbl.Flight) [][]int64 {
	var out [][]int64
	for _, r := range f.Rows() {
		out = append(out, r.Values)
	}
	return out
}

func singleFlight(t *testing.T, data []byte, opts ...bbl.Option) *bbl.Flight {
	t.Helper()
	log, err := bbl.Decode(data, opts...)
	require.NoError(t, err)
	require.Len(t, log.Flights, 1)
	return log.Flights[0]
}

func TestDecodeCompactPreviousPredictor(t *testing.T) {
	data := compact("0,1").
		Frame('I', uvb(0), uvb(10)).
		Frame('I', uvb(1000), uvb(3)).
		Bytes()
	f := singleFlight(t, data)

	rows := f.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]int64{"time": 0, "gyroADC[0]": 10}, rows[0].Map())
	assert.Equal(t, map[string]int64{"time": 1000, "gyroADC[0]": 13}, rows[1].Map())
	assert.Equal(t, int64(1000), rows[1].Time)
	assert.Equal(t, 0, f.Stats.CorruptFrames)
	assert.Equal(t, 2, f.Stats.Frame(bbl.FrameIntra).Valid)
	assert.Equal(t, time.Millisecond, f.Duration())
}

func TestDecodeUnsignedRoundTrip(t *testing.T) {
	b := compact("0,0")
	var want [][]int64
	for i := 0; i < 200; i++ {
		ts := uint32(i * 250)
		v := uint32(i*7919) % 100000
		b.Frame('I', uvb(ts), uvb(v))
		want = append(want, []int64{int64(ts), int64(v)})
	}
	f := singleFlight(t, b.Bytes())
	assert.Equal(t, want, rowValues(f))
}

func TestDecodeBetaflightInterFrames(t *testing.T) {
	b := betaflight(bbltest.New(), "1/1")
	data := interFrames(intraFrame(b)).Bytes()
	f := singleFlight(t, data)

	assert.Equal(t, [][]int64{
		{0, 1000, -20, 5, 148, 158, 0, 0},
		{1, 1500, -17, 4, 150, 158, 0, 0},
		{2, 2000, -17, 4, 150, 150, 0, 0},
	}, rowValues(f))
	assert.Equal(t, []string{"loopIteration", "time", "axisP[0]", "gyroADC[0]", "motor[0]", "motor[1]", "flightModeFlags", "stateFlags"}, f.Fields())
	assert.Equal(t, int64(2), f.Frames[2].Iteration)
	assert.Equal(t, 2, f.Stats.Frame(bbl.FrameInter).Valid)
	assert.Equal(t, 0, f.Stats.IntentionallyAbsent)
	assert.Equal(t, "motor[1]", f.Stats.Fields[5].Name)
	assert.Equal(t, int64(150), f.Stats.Fields[5].Min)
	assert.Equal(t, int64(158), f.Stats.Fields[5].Max)
}

func TestDecodeSkippedIterations(t *testing.T) {
	b := betaflight(bbltest.New(), "1/2")
	f := singleFlight(t, interFrames(intraFrame(b)).Bytes())

	it, ok := f.Column("loopIteration")
	require.True(t, ok)
	assert.Equal(t, []int64{0, 2, 4}, it)
	assert.Equal(t, 2, f.Stats.IntentionallyAbsent)
}

func TestDecodeSlowFramesMergeIntoRows(t *testing.T) {
	b := intraFrame(betaflight(bbltest.New(), "1/1"))
	b.Frame('S', uvb(5), uvb(1))
	data := interFrames(b).Bytes()
	f := singleFlight(t, data)

	require.Len(t, f.Slow, 1)
	modes, ok := f.Column("flightModeFlags")
	require.True(t, ok)
	assert.Equal(t, []int64{0, 5, 5}, modes)
	v, ok := f.Rows()[1].Get("stateFlags")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, int64(1000), f.Slow[0].Time)
}

func TestDecodeGPSNeedsHome(t *testing.T) {
	b := intraFrame(betaflight(bbltest.New(), "1/1"))
	b.Frame('G', uvb(50), uvb(7), svb(1), svb(1))
	b.Frame('H', svb(473000000), svb(85000000))
	b.Frame('G', uvb(100), uvb(9), svb(12), svb(-7))
	data := interFrames(b).Bytes()
	f := singleFlight(t, data)

	assert.Equal(t, 1, f.Stats.Frame(bbl.FrameGPS).Desync)
	require.Len(t, f.GPSHome, 1)
	assert.Equal(t, []int64{473000000, 85000000}, f.GPSHome[0].Values)
	require.Len(t, f.GPS, 1)
	assert.Equal(t, []int64{1100, 9, 473000012, 84999993}, f.GPS[0].Values)
	assert.Equal(t, int64(1100), f.GPS[0].Time)
	assert.Len(t, f.Frames, 3, "aux frames do not disturb main history")
}

func TestDecodeEventsAndLogEnd(t *testing.T) {
	b := intraFrame(betaflight(bbltest.New(), "1/1"))
	b.Frame('E', []byte{0}, uvb(1200))
	b.Frame('P', svb(500), bbltest.Tag8x4S16([4]int32{3, -1, 2, 0}))
	b.Frame('E', []byte{30}, uvb(5), uvb(1))
	b.Frame('E', []byte{13, 0x80 | 3}, bbltest.Float(0.5))
	b.Frame('E', []byte{13, 2}, svb(-4))
	b.Frame('E', []byte{15}, uvb(4))
	b.LogEnd()
	b.Frame('P', svb(0), bbltest.Tag8x4S16([4]int32{0, 0, 0, -8}))
	f := singleFlight(t, b.Bytes())

	assert.True(t, f.Ended)
	assert.Len(t, f.Frames, 2, "frames after the log end are ignored")
	require.Len(t, f.Events, 6)

	assert.Equal(t, bbl.EventSyncBeep, f.Events[0].Type)
	assert.Equal(t, int64(1200), f.Events[0].Time)

	assert.Equal(t, bbl.EventFlightMode, f.Events[1].Type)
	assert.Equal(t, uint32(5), f.Events[1].Flags)
	assert.Equal(t, uint32(1), f.Events[1].LastFlags)
	assert.Equal(t, int64(1500), f.Events[1].Time)

	assert.True(t, f.Events[2].IsFloat)
	assert.Equal(t, 3, f.Events[2].Function)
	assert.Equal(t, float32(0.5), f.Events[2].FloatValue)

	assert.False(t, f.Events[3].IsFloat)
	assert.Equal(t, int32(-4), f.Events[3].Value)

	assert.Equal(t, bbl.EventDisarm, f.Events[4].Type)
	assert.Equal(t, uint32(4), f.Events[4].Reason)
	assert.Equal(t, bbl.EventLogEnd, f.Events[5].Type)
}

func TestDecodeLogEndNeedsMessage(t *testing.T) {
	b := compact("0,0").Frame('I', uvb(0), uvb(1))
	b.Frame('E', []byte{0xFF}, []byte("End of fun\x00"))
	b.Frame('I', uvb(1000), uvb(2))
	f := singleFlight(t, b.Bytes())
	assert.False(t, f.Ended)
	assert.Len(t, f.Frames, 2)
	assert.Equal(t, 1, f.Stats.CorruptFrames)
}

func TestDecodeSkipsNoiseBetweenFrames(t *testing.T) {
	data := compact("0,1").Checksum("xor8").
		Frame('I', uvb(0), uvb(10)).
		Raw(0x00, 0x01, 0xFE, 0x7A, 0x33).
		Frame('I', uvb(1000), uvb(3)).
		Bytes()
	f := singleFlight(t, data)

	assert.Equal(t, [][]int64{{0, 10}, {1000, 13}}, rowValues(f))
	assert.Equal(t, 5, f.Stats.NoiseBytes)
	assert.Equal(t, 0, f.Stats.CorruptFrames)
	assert.Equal(t, "xor8", f.Meta.Checksum)
}

func TestDecodeSkipsNoiseWithoutChecksum(t *testing.T) {
	data := compact("0,1").
		Frame('I', uvb(0), uvb(10)).
		Raw(0x00, 0x01, 0xFE, 0x7A, 0x33).
		Frame('I', uvb(1000), uvb(3)).
		Bytes()
	f := singleFlight(t, data)

	assert.Equal(t, [][]int64{{0, 10}, {1000, 13}}, rowValues(f))
	assert.Equal(t, 5, f.Stats.NoiseBytes)
	assert.Equal(t, 0, f.Stats.CorruptFrames)
	assert.Equal(t, "none", f.Meta.Checksum)
}

func fiveFrames(profile string) *bbltest.Builder {
	b := compact("0,0").Checksum(profile)
	for i := 0; i < 5; i++ {
		b.Frame('I', uvb(uint32(i*1000)), uvb(uint32(10*(i+1))))
	}
	return b
}

func TestDecodeSingleByteCorruption(t *testing.T) {
	b := fiveFrames("xor8")
	data := b.Bytes()
	off := b.Offsets()[2]
	// no byte of the damaged frame may look like a marker
	for _, c := range data[off+1 : b.Offsets()[3]] {
		require.NotContains(t, []byte{'I', 'E'}, c)
	}
	data[off+3] ^= 0x01

	f := singleFlight(t, data)
	assert.Equal(t, 1, f.Stats.CorruptFrames)
	assert.Equal(t, 1, f.Stats.Resyncs)
	assert.Equal(t, 1, f.Stats.Frame(bbl.FrameIntra).Corrupt)
	assert.Equal(t, [][]int64{{0, 10}, {1000, 20}, {3000, 40}, {4000, 50}}, rowValues(f))
	assert.InDelta(t, 0.2, f.Stats.CorruptRatio(), 1e-9)
}

func TestDecodeCRC8(t *testing.T) {
	f := singleFlight(t, fiveFrames("crc8").Bytes())
	assert.Len(t, f.Frames, 5)
	assert.Equal(t, "crc8", f.Meta.Checksum)
}

func TestDecodeChecksumOverride(t *testing.T) {
	data := compact("0,0").Trailer("xor8").
		Frame('I', uvb(0), uvb(1)).
		Frame('I', uvb(1000), uvb(2)).
		Bytes()
	f := singleFlight(t, data, bbl.WithChecksum("xor8"))
	assert.Equal(t, [][]int64{{0, 1}, {1000, 2}}, rowValues(f))

	_, err := bbl.Decode(data, bbl.WithChecksum("sha1"))
	assert.ErrorIs(t, err, bbl.ErrMalformedHeader)
}

func TestDecodeIsDeterministic(t *testing.T) {
	b := fiveFrames("xor8")
	data := b.Bytes()
	data[b.Offsets()[1]+2] ^= 0x40
	first, err := bbl.Decode(data)
	require.NoError(t, err)
	second, err := bbl.Decode(data, bbl.WithConcurrency(1))
	require.NoError(t, err)
	require.Len(t, second.Flights, len(first.Flights))
	for i := range first.Flights {
		assert.Equal(t, rowValues(first.Flights[i]), rowValues(second.Flights[i]))
		assert.Equal(t, first.Flights[i].Stats, second.Flights[i].Stats)
	}
}

func TestDecodeTruncatedTail(t *testing.T) {
	data := compact("0,0").
		Frame('I', uvb(0), uvb(1)).
		Frame('I', uvb(1000), uvb(2)).
		Raw('I', 0xE8).
		Bytes()
	f := singleFlight(t, data)
	assert.True(t, f.Truncated)
	assert.Equal(t, 1, f.Stats.CorruptFrames)
	assert.Len(t, f.Frames, 2)
}

func TestDecodeTimeRollover(t *testing.T) {
	data := compact("0,0").
		Frame('I', uvb(0xFFFFFF00), uvb(1)).
		Frame('I', uvb(0x100), uvb(2)).
		Frame('I', uvb(0x300), uvb(3)).
		Bytes()
	f := singleFlight(t, data)
	ts, _ := f.Column("time")
	assert.Equal(t, []int64{0xFFFFFF00, 1<<32 + 0x100, 1<<32 + 0x300}, ts)
}

func TestDecodeRejectsTimeGoingBackwards(t *testing.T) {
	data := compact("0,0").
		Frame('I', uvb(5000), uvb(1)).
		Frame('I', uvb(1000), uvb(2)).
		Frame('I', uvb(6000), uvb(3)).
		Bytes()
	f := singleFlight(t, data)
	assert.Equal(t, [][]int64{{5000, 1}, {6000, 3}}, rowValues(f))
	assert.Equal(t, 1, f.Stats.CorruptFrames)
	assert.Equal(t, 0, f.Stats.Resyncs)
}

func TestDecodeRebaselinesAfterTimeJump(t *testing.T) {
	data := compact("0,0").
		Frame('I', uvb(0), uvb(1)).
		Frame('I', uvb(20_000_000), uvb(2)).
		Frame('I', uvb(20_001_000), uvb(3)).
		Frame('I', uvb(20_002_000), uvb(4)).
		Bytes()
	f := singleFlight(t, data)
	assert.Equal(t, [][]int64{{0, 1}, {20_001_000, 3}, {20_002_000, 4}}, rowValues(f))
	assert.Equal(t, 1, f.Stats.CorruptFrames)
}

func TestDecodeInterFrameAfterNoiseIsDesync(t *testing.T) {
	b := betaflight(bbltest.New(), "1/1").Checksum("xor8")
	intraFrame(b)
	b.Frame('P', svb(500), bbltest.Tag8x4S16([4]int32{3, -1, 2, 0}))
	b.Raw(0x00)
	b.Frame('P', svb(0), bbltest.Tag8x4S16([4]int32{0, 0, 0, -8}))
	f := singleFlight(t, b.Bytes())

	assert.Len(t, f.Frames, 2)
	assert.Equal(t, 1, f.Stats.Frame(bbl.FrameInter).Desync)
	assert.Equal(t, 1, f.Stats.NoiseBytes)
	assert.Equal(t, 0, f.Stats.CorruptFrames)
}

func TestDecodeRawResiduals(t *testing.T) {
	data := compact("0,1").
		Frame('I', uvb(0), uvb(10)).
		Frame('I', uvb(1000), uvb(3)).
		Bytes()
	f := singleFlight(t, data, bbl.WithRaw(true))
	assert.Equal(t, [][]int64{{0, 10}, {1000, 3}}, rowValues(f))
}

func TestDecodeMultipleSectionsKeepIndices(t *testing.T) {
	b := bbltest.New()
	interFrames(intraFrame(betaflight(b, "1/1")))
	betaflight(b, "1/1").Raw(0x00, 0x01, 0x02)
	interFrames(intraFrame(betaflight(b, "1/1")))

	log, err := bbl.Decode(b.Bytes())
	require.NoError(t, err)
	require.Len(t, log.Sections, 3)
	require.Len(t, log.Flights, 2)
	assert.Equal(t, 0, log.Flights[0].Index)
	assert.Equal(t, 2, log.Flights[1].Index)
	assert.Equal(t, 1, log.Dropped)
	_, ok := log.Flight(1)
	assert.False(t, ok)
	f, ok := log.Flight(2)
	require.True(t, ok)
	assert.Len(t, f.Frames, 3)
	st := log.Stats()
	assert.Equal(t, 6, st.Frame(bbl.FrameIntra).Valid+st.Frame(bbl.FrameInter).Valid)
}

func TestDecodeMinDuration(t *testing.T) {
	b := bbltest.New()
	b.Product()
	compactInto(b).Frame('I', uvb(0), uvb(1)).Frame('I', uvb(1000), uvb(2))
	b.Product()
	compactInto(b).Frame('I', uvb(0), uvb(1)).Frame('I', uvb(2_000_000), uvb(2))

	log, err := bbl.Decode(b.Bytes(), bbl.WithMinDuration(time.Second))
	require.NoError(t, err)
	require.Len(t, log.Flights, 1)
	assert.Equal(t, 1, log.Flights[0].Index)
	assert.Equal(t, 2*time.Second, log.Flights[0].Duration())
	assert.Equal(t, 1, log.Dropped)
}

func compactInto(b *bbltest.Builder) *bbltest.Builder {
	return b.Header("fields", "time,gyroADC[0]").Header("predictors", "0,0").Header("encodings", "0,0")
}

func TestDecodeRepeatedHeaderWithoutProduct(t *testing.T) {
	b := bbltest.New()
	compactInto(b).Frame('I', uvb(0), uvb(1)).Frame('I', uvb(1000), uvb(2))
	compactInto(b).Frame('I', uvb(0), uvb(7)).Frame('I', uvb(1000), uvb(8))

	log, err := bbl.Decode(b.Bytes())
	require.NoError(t, err)
	require.Len(t, log.Flights, 2)
	assert.Equal(t, [][]int64{{0, 1}, {1000, 2}}, rowValues(log.Flights[0]))
	assert.Equal(t, [][]int64{{0, 7}, {1000, 8}}, rowValues(log.Flights[1]))
	for _, f := range log.Flights {
		assert.Equal(t, 0, f.Stats.CorruptFrames)
	}
}

func TestFlightReadersShareLayout(t *testing.T) {
	b := betaflight(bbltest.New(), "1/1")
	interFrames(intraFrame(b))
	f := singleFlight(t, b.Bytes())
	want := rowValues(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, f.Rows(), len(want))
			_, ok := f.Column("gyroADC[0]")
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestDecodeConcurrencyIndependent(t *testing.T) {
	b := bbltest.New()
	for i := 0; i < 8; i++ {
		b.Product()
		compactInto(b)
		for j := 0; j <= i; j++ {
			b.Frame('I', uvb(uint32(j*1000)), uvb(uint32(i*100+j)))
		}
	}
	data := b.Bytes()
	serial, err := bbl.Decode(data, bbl.WithConcurrency(1))
	require.NoError(t, err)
	parallel, err := bbl.Decode(data, bbl.WithConcurrency(4))
	require.NoError(t, err)

	require.Len(t, parallel.Flights, 8)
	for i := range serial.Flights {
		assert.Equal(t, i, parallel.Flights[i].Index)
		assert.Equal(t, rowValues(serial.Flights[i]), rowValues(parallel.Flights[i]))
		assert.Len(t, parallel.Flights[i].Frames, i+1)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	_, err := bbl.Decode([]byte("random bytes"))
	assert.ErrorIs(t, err, bbl.ErrNoHeader)

	bad := bbltest.New().
		Header("fields", "time,a,b").
		Header("predictors", "0,0").
		Header("encodings", "0,0,0").
		Bytes()
	_, err = bbl.Decode(bad)
	assert.ErrorIs(t, err, bbl.ErrMalformedHeader)

	// a bad later section fails the whole decode before any frame is read
	b := bbltest.New()
	b.Product()
	compactInto(b).Frame('I', uvb(0), uvb(1))
	b.Product().Header("fields", "time").Header("predictors", "0").Header("encodings", "5")
	_, err = bbl.Decode(b.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, bbl.ErrUnsupportedEncoding)
	var he *bbl.HeaderError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 1, he.Section)
	assert.Equal(t, "encodings", he.Key)
	assert.True(t, strings.HasPrefix(he.Error(), "section 1"))
}

func TestDecodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bbl.DecodeContext(ctx, fiveFrames("none").Bytes())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPhysicalUnits(t *testing.T) {
	data := compact("0,1").
		Header("gyro_scale", "2").
		Header("scales", "0,0").
		Frame('I', uvb(0), uvb(10)).
		Frame('I', uvb(1000), uvb(3)).
		Bytes()
	f := singleFlight(t, data)
	gyro, err := f.Physical("gyroADC[0]")
	require.NoError(t, err)
	require.Len(t, gyro, 2)
	assert.InDelta(t, 10*2*math.Pi/180, gyro[0], 1e-9)
	assert.InDelta(t, 13*2*math.Pi/180, gyro[1], 1e-9)

	secs, err := f.Physical("time")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.001}, secs)

	_, err = f.Physical("vbat")
	assert.Error(t, err)
}

func TestDecodeReportsMetrics(t *testing.T) {
	m := common.NewMetrics()
	reg := prometheus.NewRegistry()
	c := common.NewDecodeCollector("test")
	require.NoError(t, c.Register(reg))

	b := fiveFrames("xor8")
	data := b.Bytes()
	data[b.Offsets()[2]+3] ^= 0x01
	_, err := bbl.Decode(data, bbl.WithMetrics(m), bbl.WithCollector(c))
	require.NoError(t, err)

	s := m.Snapshot()
	assert.Equal(t, int64(4), s.Frames)
	assert.Equal(t, int64(1), s.Corrupt)
	assert.Equal(t, int64(1), s.Resyncs)
	assert.Equal(t, int64(1), s.Flights)
	assert.Equal(t, int64(len(data)), s.TotalBytes)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.Frames.WithLabelValues("I", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Frames.WithLabelValues("I", "corrupt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Flights))

	_, err = bbl.Decode([]byte("nope"), bbl.WithCollector(c))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Failures.WithLabelValues("no_header")))
}
