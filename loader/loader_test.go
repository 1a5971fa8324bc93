package loader

import (
	"errors"
	"testing"
)

func TestWithBytesRejectsShortInput(t *testing.T) {
	if _, err := WithBytes([]byte{0x00, 0x01}); err == nil {
		t.Fatal("WithBytes() expected an error for a too-short input")
	}
}

func TestMapSegmentsRejectsWrongStage(t *testing.T) {
	l := &ImageLoader{at: stageMapped}

	_, err := l.MapSegments()
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("MapSegments() error = %v, want *StageError", err)
	}
	if stageErr.Method != "MapSegments" || stageErr.Have != "address-space-mapped" {
		t.Errorf("unexpected StageError: %+v", stageErr)
	}
}

func TestApplyRelocationsRejectsWrongStage(t *testing.T) {
	l := &ImageLoader{at: stageParsed}

	if _, err := l.ApplyRelocations(); err == nil {
		t.Fatal("ApplyRelocations() expected an error on a Parsed image")
	}
}

func TestTransferControlRejectsWrongStage(t *testing.T) {
	cases := []stage{stageParsed, stageMapped}
	for _, at := range cases {
		l := &ImageLoader{at: at}
		if err := l.TransferControl(0, nil, nil); err == nil {
			t.Errorf("TransferControl() expected an error for stage %s", at)
		}
	}
}

func TestStageString(t *testing.T) {
	cases := map[stage]string{
		stageParsed: "parsed",
		stageMapped: "address-space-mapped",
		stageLinked: "relocated",
		stage(99):   "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("stage(%d).String() = %q, want %q", s, got, want)
		}
	}
}
