package nn

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/veneer/pkg/statedict"
)

func TestAdapterLocalShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		inputIsParallel bool
		world           int
		wantDown        []int // [rank, local-in]
		wantUp          []int // [local-out, rank]
	}{
		{name: "column tp1", world: 1, wantDown: []int{8, 64}, wantUp: []int{32, 8}},
		{name: "column tp4", world: 4, wantDown: []int{8, 64}, wantUp: []int{8, 8}},
		{name: "row tp1", inputIsParallel: true, world: 1, wantDown: []int{8, 64}, wantUp: []int{32, 8}},
		{name: "row tp4", inputIsParallel: true, world: 4, wantDown: []int{8, 16}, wantUp: []int{32, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewLowRankAdapter(64, 32, 8, AdapterConfig{
				Alpha:           8,
				InputIsParallel: tt.inputIsParallel,
				WorldSize:       tt.world,
			})
			if err != nil {
				t.Fatalf("construct: %v", err)
			}
			gotDown := []int{a.down.Data.R, a.down.Data.C}
			gotUp := []int{a.up.Data.R, a.up.Data.C}
			if diff := cmp.Diff(tt.wantDown, gotDown); diff != "" {
				t.Fatalf("down shape (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantUp, gotUp); diff != "" {
				t.Fatalf("up shape (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdapterIndivisibleDims(t *testing.T) {
	t.Parallel()

	if _, err := NewLowRankAdapter(64, 30, 8, AdapterConfig{WorldSize: 4}); err == nil {
		t.Fatalf("out=30 over world 4 should fail")
	}
	if _, err := NewLowRankAdapter(30, 64, 8, AdapterConfig{WorldSize: 4, InputIsParallel: true}); err == nil {
		t.Fatalf("in=30 over world 4 should fail")
	}
	if _, err := NewLowRankAdapter(64, 32, 0, AdapterConfig{}); err == nil {
		t.Fatalf("rank 0 should fail")
	}
}

func TestAdapterDeltaStartsAtZero(t *testing.T) {
	t.Parallel()

	a, err := NewLowRankAdapter(16, 16, 4, AdapterConfig{Alpha: 4, Seed: 3})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	x := make([]float32, 16)
	for i := range x {
		x[i] = float32(i) - 8
	}
	act, err := a.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i, v := range act.Output {
		if v != 0 {
			t.Fatalf("fresh adapter delta must be zero, output[%d]=%f", i, v)
		}
	}
}

func TestAdapterScaling(t *testing.T) {
	t.Parallel()

	build := func(alpha float64) *LowRankAdapter {
		a, err := NewLowRankAdapter(8, 8, 4, AdapterConfig{Alpha: alpha, Seed: 3})
		if err != nil {
			t.Fatalf("construct: %v", err)
		}
		// move the up projection off zero so the delta is visible
		for i := range a.up.Data.Data {
			a.up.Data.Data[i] = 0.1
		}
		return a
	}

	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	one, err := build(4).Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	double, err := build(8).Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range one.Output {
		if double.Output[i] != 2*one.Output[i] {
			t.Fatalf("alpha scaling not linear at %d: %f vs %f", i, double.Output[i], one.Output[i])
		}
	}
}

func TestAdapterTrainableAtConstruction(t *testing.T) {
	t.Parallel()

	a, err := NewLowRankAdapter(8, 8, 2, AdapterConfig{Alpha: 2})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	params := a.NamedParameters()
	if len(params) != 2 {
		t.Fatalf("adapter should own two parameters, got %d", len(params))
	}
	for _, np := range params {
		if !np.Param.Trainable {
			t.Fatalf("parameter %s not trainable at construction", np.Path)
		}
	}
}

func TestAdapterDropoutOnlyWhileTraining(t *testing.T) {
	t.Parallel()

	a, err := NewLowRankAdapter(8, 8, 4, AdapterConfig{
		Alpha:           4,
		Dropout:         0.5,
		DropoutPosition: DropoutPost,
		Seed:            3,
	})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	for i := range a.up.Data.Data {
		a.up.Data.Data[i] = 0.1
	}

	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	evalOut, err := a.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	evalCopy := append([]float32(nil), evalOut.Output...)

	again, err := a.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range evalCopy {
		if again.Output[i] != evalCopy[i] {
			t.Fatalf("eval-mode forward must be deterministic")
		}
	}

	a.SetTraining(true)
	trainOut, err := a.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	var zeros int
	for _, v := range trainOut.Output {
		if v == 0 {
			zeros++
		}
	}
	if zeros == 0 {
		t.Fatalf("post-projection dropout at 0.5 should zero some outputs")
	}
}

func TestAdapterShardedStateDict(t *testing.T) {
	t.Parallel()

	column, err := NewLowRankAdapter(64, 32, 8, AdapterConfig{Alpha: 8, WorldSize: 4, Rank: 2})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	sh := column.ShardedStateDict("layer.adapter.", nil, nil)
	want := []string{"layer.adapter.linear_in.weight", "layer.adapter.linear_out.weight"}
	if diff := cmp.Diff(want, sh.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}

	up, _ := sh.Get("layer.adapter.linear_out.weight")
	if diff := cmp.Diff([]int{32, 8}, up.GlobalShape); diff != "" {
		t.Fatalf("up global shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]statedict.ShardOffset{{Dim: 0, Index: 2, Count: 4}}, up.Offsets); diff != "" {
		t.Fatalf("up offsets (-want +got):\n%s", diff)
	}

	down, _ := sh.Get("layer.adapter.linear_in.weight")
	if len(down.Offsets) != 0 {
		t.Fatalf("column-style down projection is replicated, got offsets %+v", down.Offsets)
	}
}
