package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMetadataValid(t *testing.T) {
	cases := []struct {
		name string
		meta *MessageMetadata
		want bool
	}{
		{"nil", nil, true},
		{"empty kind", &MessageMetadata{}, false},
		{"exercise", &MessageMetadata{Kind: MetaExercise, Exercise: &ExerciseRef{ExerciseID: "ex1"}}, true},
		{"exercise without id", &MessageMetadata{Kind: MetaExercise, Exercise: &ExerciseRef{}}, false},
		{"exercise without payload", &MessageMetadata{Kind: MetaExercise}, false},
		{"correction", &MessageMetadata{Kind: MetaCorrection, Correction: &Correction{Original: "yo es", Corrected: "yo soy"}}, true},
		{"correction missing corrected", &MessageMetadata{Kind: MetaCorrection, Correction: &Correction{Original: "yo es"}}, false},
		{"audio", &MessageMetadata{Kind: MetaAudio, Audio: &AudioClip{Key: "audio/u1/x.ogg"}}, true},
		{"audio without key", &MessageMetadata{Kind: MetaAudio, Audio: &AudioClip{}}, false},
		{"unknown kind", &MessageMetadata{Kind: "sticker"}, true},
	}
	for _, tc := range cases {
		if got := tc.meta.Valid(); got != tc.want {
			t.Fatalf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMetadataUnknownKindPreserved(t *testing.T) {
	in := `{"kind":"sticker","stickerId":"cat-7","pack":"animals"}`
	var meta MessageMetadata
	if err := json.Unmarshal([]byte(in), &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if meta.Kind != "sticker" {
		t.Fatalf("expected kind sticker, got %q", meta.Kind)
	}
	if !strings.Contains(string(meta.Raw), "cat-7") {
		t.Fatalf("unknown payload not preserved: %s", meta.Raw)
	}

	out, err := json.Marshal(&meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "cat-7") {
		t.Fatalf("round trip lost the payload: %s", out)
	}
}

func TestMetadataKnownKindDecodesTyped(t *testing.T) {
	in := `{"kind":"correction","correction":{"original":"yo es","corrected":"yo soy","note":"ser vs estar"}}`
	var meta MessageMetadata
	if err := json.Unmarshal([]byte(in), &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if meta.Correction == nil || meta.Correction.Corrected != "yo soy" {
		t.Fatalf("correction not decoded: %+v", meta)
	}
	if len(meta.Raw) != 0 {
		t.Fatalf("known kind must not populate Raw")
	}
	if !meta.Valid() {
		t.Fatalf("expected valid correction")
	}
}

func TestDirectRoleOf(t *testing.T) {
	thread := Thread{Kind: ThreadDirect, LearnerID: "l1", TutorID: "t1"}
	if got := thread.DirectRoleOf("l1"); got != RoleLearner {
		t.Fatalf("expected learner, got %q", got)
	}
	if got := thread.DirectRoleOf("t1"); got != RoleTutor {
		t.Fatalf("expected tutor, got %q", got)
	}
	if got := thread.DirectRoleOf("x"); got != "" {
		t.Fatalf("expected empty role, got %q", got)
	}
	group := Thread{Kind: ThreadGroup}
	if got := group.DirectRoleOf("l1"); got != "" {
		t.Fatalf("group thread has no direct role, got %q", got)
	}
}
