package domain

import "encoding/json"

// Metadata kinds understood by current clients. Anything else round-trips
// through the opaque fallback untouched.
const (
	MetaExercise   = "exercise"
	MetaCorrection = "correction"
	MetaAudio      = "audio"
)

// ExerciseRef points at a lesson exercise shared into the conversation.
type ExerciseRef struct {
	ExerciseID string `json:"exerciseId"`
	LessonID   string `json:"lessonId,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Correction is a tutor's markup of a learner sentence.
type Correction struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Note      string `json:"note,omitempty"`
}

// AudioClip references an uploaded audio attachment by object key.
type AudioClip struct {
	Key        string `json:"key"`
	DurationMS int    `json:"durationMs,omitempty"`
}

// MessageMetadata is a tagged union over the metadata variants clients render.
// Unknown kinds are preserved verbatim in Raw so older servers never drop
// payloads newer clients exchange.
type MessageMetadata struct {
	Kind       string          `json:"kind"`
	Exercise   *ExerciseRef    `json:"exercise,omitempty"`
	Correction *Correction     `json:"correction,omitempty"`
	Audio      *AudioClip      `json:"audio,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Valid reports whether the tagged variant matches its payload.
func (m *MessageMetadata) Valid() bool {
	if m == nil {
		return true
	}
	switch m.Kind {
	case MetaExercise:
		return m.Exercise != nil && m.Exercise.ExerciseID != ""
	case MetaCorrection:
		return m.Correction != nil && m.Correction.Original != "" && m.Correction.Corrected != ""
	case MetaAudio:
		return m.Audio != nil && m.Audio.Key != ""
	case "":
		return false
	default:
		// Opaque kind: accepted as-is.
		return true
	}
}

type metadataAlias MessageMetadata

// UnmarshalJSON keeps payloads of unknown kinds in Raw instead of silently
// discarding them.
func (m *MessageMetadata) UnmarshalJSON(data []byte) error {
	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = MessageMetadata(alias)
	switch m.Kind {
	case MetaExercise, MetaCorrection, MetaAudio:
	default:
		if len(m.Raw) == 0 {
			m.Raw = json.RawMessage(data)
		}
	}
	return nil
}
