package abrouter_test

import (
	"testing"
	"time"

	"github.com/watchllm/gateway/abrouter"
)

func twoVariantSpec() abrouter.Spec {
	return abrouter.Spec{
		Variants: []abrouter.Variant{
			{Name: "control", Model: "gpt-4o", Weight: 70},
			{Name: "treatment", Model: "gpt-4o-mini", Weight: 30},
		},
	}
}

func TestValidateRejectsTooFewVariants(t *testing.T) {
	spec := abrouter.Spec{Variants: []abrouter.Variant{{Name: "solo", Weight: 100}}}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected error for single-variant spec")
	}
}

func TestValidateRejectsWeightsNotSummingTo100(t *testing.T) {
	spec := abrouter.Spec{Variants: []abrouter.Variant{
		{Name: "a", Weight: 40}, {Name: "b", Weight: 40},
	}}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected error for weights summing to 80")
	}
}

func TestValidateAcceptsWeightsWithinEpsilon(t *testing.T) {
	spec := abrouter.Spec{Variants: []abrouter.Variant{
		{Name: "a", Weight: 50.05}, {Name: "b", Weight: 49.97},
	}}
	if err := spec.Validate(); err != nil {
		t.Fatalf("expected weights within epsilon to validate, got %v", err)
	}
}

func TestSelectCumulativeWalk(t *testing.T) {
	spec := twoVariantSpec()

	v, idx := abrouter.Select(spec, func() float64 { return 0.0 })
	if idx != 0 || v.Name != "control" {
		t.Fatalf("draw 0.0 should land on control, got %+v idx=%d", v, idx)
	}

	v, idx = abrouter.Select(spec, func() float64 { return 0.699 })
	if idx != 0 {
		t.Fatalf("draw just under 70%% boundary should land on control, got idx=%d", idx)
	}

	v, idx = abrouter.Select(spec, func() float64 { return 0.71 })
	if idx != 1 || v.Name != "treatment" {
		t.Fatalf("draw past 70%% boundary should land on treatment, got %+v idx=%d", v, idx)
	}
}

func TestSelectFallsBackToLastVariantOnEdge(t *testing.T) {
	spec := twoVariantSpec()
	v, idx := abrouter.Select(spec, func() float64 { return 0.999999999 })
	if idx != 1 || v.Name != "treatment" {
		t.Fatalf("expected fallback to last variant, got %+v idx=%d", v, idx)
	}
}

func TestStickyAssignIsDeterministicPerCaller(t *testing.T) {
	eng := abrouter.NewStickyEngine()
	exp := &abrouter.Experiment{ID: "exp1", Variants: []abrouter.Variant{
		{Name: "a", Weight: 50}, {Name: "b", Weight: 50},
	}}
	if err := eng.Create(exp); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.Start("exp1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	v1, idx1, err := eng.Assign("exp1", "caller-42")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	v2, idx2, err := eng.Assign("exp1", "caller-42")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if idx1 != idx2 || v1.Name != v2.Name {
		t.Fatalf("expected stable assignment for the same caller, got %d vs %d", idx1, idx2)
	}
}

func TestStickyAssignFailsClosedWhenNotRunning(t *testing.T) {
	eng := abrouter.NewStickyEngine()
	exp := &abrouter.Experiment{ID: "exp1", Variants: []abrouter.Variant{
		{Name: "a", Weight: 50}, {Name: "b", Weight: 50},
	}}
	if err := eng.Create(exp); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := eng.Assign("exp1", "caller-1"); err == nil {
		t.Fatal("expected error assigning against a draft experiment")
	}
}

func TestStickyAutoSwitchPromotesLowerErrorVariant(t *testing.T) {
	eng := abrouter.NewStickyEngine()
	exp := &abrouter.Experiment{
		ID:                    "exp2",
		Variants:              []abrouter.Variant{{Name: "a", Weight: 50}, {Name: "b", Weight: 50}},
		AutoSwitch:            true,
		SignificanceThreshold: 0.80,
		MinSampleSize:         20,
	}
	if err := eng.Create(exp); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.Start("exp2"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 30; i++ {
		eng.Record("exp2", 0, 0.01, 100*time.Millisecond, false)
	}
	for i := 0; i < 30; i++ {
		eng.Record("exp2", 1, 0.01, 100*time.Millisecond, i%2 == 0)
	}

	got, _, err := eng.Assign("exp2", "irrelevant")
	_ = got
	if err == nil {
		t.Fatal("expected experiment to have concluded and stopped accepting new assignments")
	}
}
