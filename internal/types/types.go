package types

// TrackID identifies one physically tracked face for the lifetime of an engine session.
type TrackID = int64

// PixelFormat describes the layout of Frame.Data
type PixelFormat int

const (
	FormatRGB24 PixelFormat = iota
	FormatBGR24
	FormatNV21
	FormatGray
)

// FrameSize returns the byte length of a w x h frame in this format
func (f PixelFormat) FrameSize(w, h int) int {
	switch f {
	case FormatGray:
		return w * h
	case FormatNV21:
		return w * h * 3 / 2
	default:
		return w * h * 3
	}
}

// Frame is one image handed to the pipeline by the frame source.
// Infrared frames are FormatGray.
type Frame struct {
	Data   []byte      `msgpack:"d"`
	Width  int         `msgpack:"w"`
	Height int         `msgpack:"h"`
	Format PixelFormat `msgpack:"f"`
}

// MaskState is the engine's mask-worn estimate for a detection
type MaskState int

const (
	MaskUnknown MaskState = -1
	MaskNotWorn MaskState = 0
	MaskWorn    MaskState = 1
)

// Detection is one face found in one frame. It is not retained past the frame.
type Detection struct {
	Rect   Rect      `msgpack:"r"`
	FaceID int       `msgpack:"id"` // engine-internal face index
	Orient int       `msgpack:"o"`
	Mask   MaskState `msgpack:"m"`
}

// Feature is a face embedding
type Feature []float32

// FeatureMode selects the engine's extraction model
type FeatureMode int

const (
	ModeRecognize FeatureMode = iota
	ModeRegister
)

// Modality is the sensor channel used for a liveness check
type Modality int

const (
	ModalityRGB Modality = iota
	ModalityIR
)

func (m Modality) String() string {
	if m == ModalityIR {
		return "ir"
	}
	return "rgb"
}

// Identity is an enrolled person as known by the identity store
type Identity struct {
	ID   int64
	Name string
}

// Match is the best identity-store hit for a feature
type Match struct {
	Identity Identity
	Score    float64 // cosine similarity, higher is closer
}

// FaceSnapshot is the per-face view returned to the caller for every frame
type FaceSnapshot struct {
	TrackID       TrackID
	Rect          Rect
	DisplayRect   Rect
	SecondaryRect *Rect
	Liveness      Liveness
	Status        RecognizeStatus
	Name          string
	Notice        string
	Pass          bool
}
