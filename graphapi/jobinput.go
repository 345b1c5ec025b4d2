package graphapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

// Defaults for unset job parameters.
const (
	DefaultWidth       = 480
	DefaultHeight      = 832
	DefaultVideoLength = 81
	DefaultFrameRate   = 32
	DefaultVideoFormat = "video/h264-mp4"
	DefaultSeed        = 443409249464707
)

// Accepted ranges.
const (
	MinDimension   = 64
	MaxDimension   = 2048
	MinVideoLength = 1
	MaxVideoLength = 300
	MinFrameRate   = 1
	MaxFrameRate   = 60
	// MaxSeed leaves room for the paired seed.
	MaxSeed = math.MaxInt64 - 1
)

// VideoFormats is the allow-list for video_format.
var VideoFormats = []string{"video/h264-mp4", "video/webm", "image/gif"}

// JobInput is the "input" object of a job. Optional fields are pointers so an
// absent value can be told apart from zero.
type JobInput struct {
	ImagePath   *string `json:"image_path,omitempty"`
	Prompt      *string `json:"prompt,omitempty"`
	Width       *Int    `json:"width,omitempty"`
	Height      *Int    `json:"height,omitempty"`
	VideoLength *Int    `json:"video_length,omitempty"`
	FrameRate   *Int    `json:"frame_rate,omitempty"`
	VideoFormat *string `json:"video_format,omitempty"`
	Seed        *Int    `json:"seed,omitempty"`
}

// Int is an integer job parameter. It accepts JSON numbers with no fractional part
// and strings holding such a number.
type Int int64

func (i *Int) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := parseInt(string(b))
	if err != nil {
		return err
	}
	*i = Int(v)
	return nil
}

func parseInt(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return int64(f), nil
}

// IntPtr is a convenience for building a JobInput.
func IntPtr(v int64) *Int {
	i := Int(v)
	return &i
}

// StringPtr is a convenience for building a JobInput.
func StringPtr(s string) *string {
	return &s
}

// VideoParams are the resolved video parameters of a job.
type VideoParams struct {
	Width       int64
	Height      int64
	VideoLength int64
	FrameRate   int64
	VideoFormat string
	Seed        int64
}

// PairedSeed is the seed of the second sampling pass.
func (p VideoParams) PairedSeed() int64 {
	return p.Seed + 1
}

// ResolveParams applies defaults to unset parameters and validates the result. The
// first violation is returned; fields are checked in a fixed order.
func ResolveParams(in JobInput) (VideoParams, error) {
	p := VideoParams{
		Width:       intOr(in.Width, DefaultWidth),
		Height:      intOr(in.Height, DefaultHeight),
		VideoLength: intOr(in.VideoLength, DefaultVideoLength),
		FrameRate:   intOr(in.FrameRate, DefaultFrameRate),
		VideoFormat: DefaultVideoFormat,
		Seed:        intOr(in.Seed, DefaultSeed),
	}
	if in.VideoFormat != nil {
		p.VideoFormat = *in.VideoFormat
	}

	if p.Width < MinDimension || p.Width > MaxDimension {
		return VideoParams{}, errkind.Invalid(string(FieldWidth),
			"width must be between %d and %d pixels (got %d)", MinDimension, MaxDimension, p.Width)
	}
	if p.Height < MinDimension || p.Height > MaxDimension {
		return VideoParams{}, errkind.Invalid(string(FieldHeight),
			"height must be between %d and %d pixels (got %d)", MinDimension, MaxDimension, p.Height)
	}
	if p.VideoLength < MinVideoLength || p.VideoLength > MaxVideoLength {
		return VideoParams{}, errkind.Invalid(string(FieldVideoLength),
			"video_length must be between %d and %d frames (got %d)", MinVideoLength, MaxVideoLength, p.VideoLength)
	}
	if p.FrameRate < MinFrameRate || p.FrameRate > MaxFrameRate {
		return VideoParams{}, errkind.Invalid(string(FieldFrameRate),
			"frame_rate must be between %d and %d FPS (got %d)", MinFrameRate, MaxFrameRate, p.FrameRate)
	}
	if !isVideoFormat(p.VideoFormat) {
		return VideoParams{}, errkind.Invalid(string(FieldVideoFormat),
			"video_format must be one of: %s (got %q)", strings.Join(VideoFormats, ", "), p.VideoFormat)
	}
	if p.Seed < 0 || p.Seed > MaxSeed {
		return VideoParams{}, errkind.Invalid(string(FieldSeed),
			"seed must be between 0 and %d (got %d)", int64(MaxSeed), p.Seed)
	}
	return p, nil
}

func intOr(v *Int, def int64) int64 {
	if v == nil {
		return def
	}
	return int64(*v)
}

func isVideoFormat(f string) bool {
	for _, allowed := range VideoFormats {
		if f == allowed {
			return true
		}
	}
	return false
}
