package scheduler

import (
	"strings"
	"testing"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B", BlockedBy: []string{"A"}})
				dag.AddTask(&Task{ID: "C", BlockedBy: []string{"B"}})
				return dag
			},
		},
		{
			name: "valid fan-in",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B"})
				dag.AddTask(&Task{ID: "C", BlockedBy: []string{"A", "B"}})
				return dag
			},
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", BlockedBy: []string{"B"}})
				dag.AddTask(&Task{ID: "B", BlockedBy: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", BlockedBy: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing blocker",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", BlockedBy: []string{"ghost"}})
				return dag
			},
			wantErr:     true,
			errContains: "non-existent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := tt.setup().Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() error = nil, want error containing %q", tt.errContains)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Validate() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			if pos["A"] > pos["C"] {
				t.Errorf("order %v: A must precede C", order)
			}
		})
	}
}

func TestDAGAddDependency(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", Status: TaskOpen})
	dag.AddTask(&Task{ID: "B", Status: TaskOpen, BlockedBy: []string{"A"}})

	if err := dag.AddDependency("A", "B"); err == nil {
		t.Fatal("AddDependency(A, B) should fail: B is already blocked by A")
	}

	if a := dag.tasks["A"]; len(a.BlockedBy) != 0 {
		t.Errorf("rejected edge was not rolled back: A.BlockedBy = %v", a.BlockedBy)
	}
	if _, err := dag.Validate(); err != nil {
		t.Errorf("graph invalid after rollback: %v", err)
	}

	dag.AddTask(&Task{ID: "C", Status: TaskOpen})
	if err := dag.AddDependency("B", "C"); err != nil {
		t.Fatalf("AddDependency(B, C): %v", err)
	}
	if err := dag.AddDependency("B", "C"); err != nil {
		t.Fatalf("duplicate AddDependency should be a no-op: %v", err)
	}
	if b := dag.tasks["B"]; len(b.BlockedBy) != 2 {
		t.Errorf("B.BlockedBy = %v, want [A C]", b.BlockedBy)
	}

	if err := dag.AddDependency("B", "missing"); err == nil {
		t.Error("AddDependency with unknown blocker should fail")
	}
}

func TestDAGAddTaskDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Task{ID: "A"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := dag.AddTask(&Task{ID: "A"}); err == nil {
		t.Error("AddTask with duplicate ID should fail")
	}
}
