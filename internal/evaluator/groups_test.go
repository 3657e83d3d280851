package evaluator

import (
	"testing"

	"github.com/vflow-project/vflow/internal/model"
)

type fakeFactory struct {
	name       string
	canOverlap bool
}

func (f fakeFactory) Name() string { return f.name }
func (f fakeFactory) Capabilities() model.EvaluatorCapabilities {
	return model.EvaluatorCapabilities{Name: f.name, CanOverlap: f.canOverlap, NumOutputs: 1}
}
func (f fakeFactory) New() Evaluator { return nil }

func TestBuildFactoryGroupsSplitsOnlyAtEnds(t *testing.T) {
	factories := []Factory{
		fakeFactory{"decode", true},
		fakeFactory{"infer1", false},
		fakeFactory{"infer2", false},
		fakeFactory{"post", true},
	}
	groups := BuildFactoryGroups(factories)
	if len(groups) != 3 {
		t.Fatalf("want 3 groups, got %d", len(groups))
	}
	if len(groups[0]) != 1 || groups[0][0].Name() != "decode" {
		t.Fatalf("first group should be just decode, got %v", groups[0])
	}
	if len(groups[1]) != 2 {
		t.Fatalf("middle group should have 2 factories, got %d", len(groups[1]))
	}
	if len(groups[2]) != 1 || groups[2][0].Name() != "post" {
		t.Fatalf("last group should be just post, got %v", groups[2])
	}
}

func TestBuildFactoryGroupsNoOverlapStaysOneGroup(t *testing.T) {
	factories := []Factory{
		fakeFactory{"a", false},
		fakeFactory{"b", false},
	}
	groups := BuildFactoryGroups(factories)
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatalf("expected single group of 2, got %v", groups)
	}
}

func TestBuildFactoryGroupsSingleOverlap(t *testing.T) {
	factories := []Factory{fakeFactory{"solo", true}}
	groups := BuildFactoryGroups(factories)
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatalf("expected single-factory single group, got %v", groups)
	}
}
