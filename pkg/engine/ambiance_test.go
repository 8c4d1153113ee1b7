package engine

import "testing"

func levelFor(id, group string) Level {
	return Level{RuntimeID: "rt-" + id, SetupID: id, Group: group}
}

func TestAmbiance_CloneForChild_DoesNotMutateParent(t *testing.T) {
	root := NewAmbiance("pe-1", map[string]string{"account": "acme"})
	stage := root.CloneForChild(levelFor("stage", "STAGE"))
	a := stage.CloneForChild(levelFor("a", "STEP"))
	b := stage.CloneForChild(levelFor("b", "STEP"))

	if root.Depth() != 0 {
		t.Errorf("Expected root depth 0, got %d", root.Depth())
	}
	if stage.Depth() != 1 {
		t.Errorf("Expected stage depth 1, got %d", stage.Depth())
	}
	if a.CurrentSetupID() != "a" || b.CurrentSetupID() != "b" {
		t.Errorf("Expected siblings a and b, got %s and %s", a.CurrentSetupID(), b.CurrentSetupID())
	}
	if a.Levels[0] != b.Levels[0] {
		t.Error("Expected sibling ancestors to be identical")
	}
	if a.SetupAbstractions["account"] != "acme" {
		t.Errorf("Expected setup abstractions to be carried, got %v", a.SetupAbstractions)
	}
}

func TestAmbiance_CloneForFinish(t *testing.T) {
	amb := NewAmbiance("pe-1", nil).
		CloneForChild(levelFor("fork", "FORK")).
		CloneForChild(levelFor("c", "STEP"))

	parent := amb.CloneForFinish()
	if parent.CurrentRuntimeID() != "rt-fork" {
		t.Errorf("Expected rt-fork, got %s", parent.CurrentRuntimeID())
	}
	if amb.Depth() != 2 {
		t.Errorf("Expected original depth 2, got %d", amb.Depth())
	}

	root := parent.CloneForFinish().CloneForFinish()
	if root.Depth() != 0 {
		t.Errorf("Expected popping past the root to stop at depth 0, got %d", root.Depth())
	}
	if root.CurrentRuntimeID() != "" {
		t.Errorf("Expected empty runtime id at the root, got %s", root.CurrentRuntimeID())
	}
}

func TestAmbiance_GroupDepth(t *testing.T) {
	amb := NewAmbiance("pe-1", nil).
		CloneForChild(levelFor("stage", "STAGE")).
		CloneForChild(levelFor("section", "SECTION")).
		CloneForChild(levelFor("step", "STEP"))

	tests := []struct {
		group string
		depth int
		found bool
	}{
		{"STAGE", 1, true},
		{"section", 2, true},
		{"STEP", 3, true},
		{GlobalGroup, 0, true},
		{"PIPELINE", 0, false},
	}

	for _, tt := range tests {
		depth, found := amb.GroupDepth(tt.group)
		if found != tt.found || depth != tt.depth {
			t.Errorf("GroupDepth(%q): expected (%d, %v), got (%d, %v)", tt.group, tt.depth, tt.found, depth, found)
		}
	}
}

func TestAmbiance_ScopeKeys_NearestFirst(t *testing.T) {
	amb := NewAmbiance("pe-1", nil).
		CloneForChild(levelFor("a", "")).
		CloneForChild(levelFor("b", ""))

	keys := amb.ScopeKeys()
	expected := []string{"rt-a|rt-b", "rt-a", ""}
	if len(keys) != len(expected) {
		t.Fatalf("Expected %d keys, got %d", len(expected), len(keys))
	}
	for i := range expected {
		if keys[i] != expected[i] {
			t.Errorf("Key %d: expected %q, got %q", i, expected[i], keys[i])
		}
	}
}
