package stt_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/segscribe/segscribe/pkg/stt"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	if !stt.IsTransient(stt.Transient(base)) {
		t.Error("Transient wrap not detected by IsTransient")
	}
	if stt.IsPermanent(stt.Transient(base)) {
		t.Error("transient error misclassified as permanent")
	}
	if !stt.IsPermanent(stt.Permanent(base)) {
		t.Error("Permanent wrap not detected by IsPermanent")
	}
	if stt.IsTransient(stt.Permanent(base)) {
		t.Error("permanent error misclassified as transient")
	}
	if stt.IsTransient(base) || stt.IsPermanent(base) {
		t.Error("unwrapped error should carry no classification")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("pipeline: segment 3: %w", stt.Transient(errors.New("HTTP 429")))
	if !stt.IsTransient(wrapped) {
		t.Error("classification lost through fmt.Errorf %w wrapping")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	if !errors.Is(stt.Transient(cause), cause) {
		t.Error("errors.Is cannot reach cause through TransientError")
	}
	if !errors.Is(stt.Permanent(cause), cause) {
		t.Error("errors.Is cannot reach cause through PermanentError")
	}
}

func TestNilWrapsReturnNil(t *testing.T) {
	t.Parallel()

	if stt.Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if stt.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
