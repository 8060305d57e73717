package types

// RecognizeStatus tracks feature-match progress for one face
type RecognizeStatus int

const (
	StatusToRetry RecognizeStatus = iota
	StatusSearching
	StatusSucceeded
	StatusFailed
)

var statusNames = map[RecognizeStatus]string{
	StatusToRetry:   "to-retry",
	StatusSearching: "searching",
	StatusSucceeded: "succeeded",
	StatusFailed:    "failed",
}

func (s RecognizeStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Liveness is the liveness verdict for one face. Values below Unknown are
// engine rejection reasons; they are handled like NotAlive.
type Liveness int

const (
	LivenessFailed          Liveness = -7 // engine errors exhausted the retry budget
	LivenessNoSecondaryFace Liveness = -6 // no IR face overlaps the RGB track
	LivenessOutOfBounds     Liveness = -5
	LivenessAngleTooLarge   Liveness = -4
	LivenessFaceTooSmall    Liveness = -3
	LivenessMultipleFaces   Liveness = -2
	LivenessUnknown         Liveness = -1
	LivenessNotAlive        Liveness = 0
	LivenessAlive           Liveness = 1
	LivenessAnalyzing       Liveness = 10
)

var livenessNames = map[Liveness]string{
	LivenessFailed:          "failed",
	LivenessNoSecondaryFace: "no-ir-face",
	LivenessOutOfBounds:     "out-of-bounds",
	LivenessAngleTooLarge:   "angle-too-large",
	LivenessFaceTooSmall:    "face-too-small",
	LivenessMultipleFaces:   "multiple-faces",
	LivenessUnknown:         "unknown",
	LivenessNotAlive:        "not-alive",
	LivenessAlive:           "alive",
	LivenessAnalyzing:       "analyzing",
}

func (l Liveness) String() string {
	if n, ok := livenessNames[l]; ok {
		return n
	}
	return "unknown"
}

// Rejected reports whether l is a final negative verdict (NotAlive or a rejection reason)
func (l Liveness) Rejected() bool {
	return l == LivenessNotAlive || l < LivenessUnknown
}
