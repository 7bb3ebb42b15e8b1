package bbl

import (
	"fmt"
	"strconv"
	"strings"
)

// Predictor identifies how a field's absolute value is rebuilt from its
// residual.
type Predictor int

const (
	PredictorZero              Predictor = 0
	PredictorPrevious          Predictor = 1
	PredictorStraightLine      Predictor = 2
	PredictorAverage2          Predictor = 3
	PredictorMinThrottle       Predictor = 4
	PredictorMotor0            Predictor = 5
	PredictorIncrement         Predictor = 6
	PredictorHomeCoord         Predictor = 7
	PredictorServoCenter       Predictor = 8
	PredictorVbatRef           Predictor = 9
	PredictorLastMainFrameTime Predictor = 10
	PredictorMinMotor          Predictor = 11
)

const servoCenter = 1500

var predictorNames = map[Predictor]string{
	PredictorZero:              "zero",
	PredictorPrevious:          "previous",
	PredictorStraightLine:      "straight_line",
	PredictorAverage2:          "average_2",
	PredictorMinThrottle:       "minthrottle",
	PredictorMotor0:            "motor_0",
	PredictorIncrement:         "increment",
	PredictorHomeCoord:         "home_coord",
	PredictorServoCenter:       "1500",
	PredictorVbatRef:           "vbatref",
	PredictorLastMainFrameTime: "last_main_frame_time",
	PredictorMinMotor:          "minmotor",
}

func (p Predictor) String() string {
	if name, ok := predictorNames[p]; ok {
		return name
	}
	return "predictor(" + strconv.Itoa(int(p)) + ")"
}

func (p Predictor) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePredictor resolves a header token to a Predictor. "none" is an alias
// of zero.
func ParsePredictor(token string) (Predictor, error) {
	token = strings.TrimSpace(token)
	if strings.EqualFold(token, "none") {
		return PredictorZero, nil
	}
	id, err := strconv.Atoi(token)
	if err != nil {
		for p, name := range predictorNames {
			if strings.EqualFold(token, name) {
				return p, nil
			}
		}
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPredictor, token)
	}
	p := Predictor(id)
	if _, ok := predictors[p]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedPredictor, id)
	}
	return p, nil
}

// predictContext carries everything a predictor may consult for one frame.
type predictContext struct {
	schema    *FrameSchema
	current   []int64
	previous  []int64
	previous2 []int64
	home      []int64
	meta      *Meta

	lastMainTime int64
	skipped      int
}

type predictFunc func(residual int64, field int, c *predictContext) int64

var predictors = map[Predictor]predictFunc{
	PredictorZero:     func(v int64, _ int, _ *predictContext) int64 { return v },
	PredictorPrevious: func(v int64, i int, c *predictContext) int64 { return v + c.previous[i] },
	PredictorStraightLine: func(v int64, i int, c *predictContext) int64 {
		return v + 2*c.previous[i] - c.previous2[i]
	},
	PredictorAverage2: predictAverage2,
	PredictorMinThrottle: func(v int64, _ int, c *predictContext) int64 {
		return v + int64(c.meta.MinThrottle)
	},
	PredictorMotor0: func(v int64, i int, c *predictContext) int64 {
		return v + c.current[c.schema.ref[i]]
	},
	PredictorIncrement: func(_ int64, i int, c *predictContext) int64 {
		return c.previous[i] + 1 + int64(c.skipped)
	},
	PredictorHomeCoord: func(v int64, i int, c *predictContext) int64 {
		if c.home == nil {
			return v
		}
		return v + c.home[c.schema.ref[i]]
	},
	PredictorServoCenter: func(v int64, _ int, _ *predictContext) int64 { return v + servoCenter },
	PredictorVbatRef: func(v int64, _ int, c *predictContext) int64 {
		return v + int64(c.meta.VbatRef)
	},
	PredictorLastMainFrameTime: func(v int64, _ int, c *predictContext) int64 {
		return v + c.lastMainTime
	},
	PredictorMinMotor: func(v int64, _ int, c *predictContext) int64 {
		return v + int64(c.meta.MotorOutputLow)
	},
}

func predictAverage2(v int64, i int, c *predictContext) int64 {
	a, b := uint32(c.previous[i]), uint32(c.previous2[i])
	if c.schema.Fields[i].Signed {
		return v + int64(int32(a+b)/2)
	}
	return v + int64((a+b)/2)
}

// predict rebuilds field i and folds it to the field's 32-bit width.
func (c *predictContext) predict(residual int64, field int, raw bool) int64 {
	def := c.schema.Fields[field]
	v := residual
	if !raw {
		v = predictors[def.Predictor](residual, field, c)
	}
	if def.Signed {
		return int64(int32(v))
	}
	return int64(uint32(v))
}
