package sqlite

import (
	"context"
	"testing"
)

func TestNextBatchLabel(t *testing.T) {
	tests := []struct {
		prev string
		want string
	}{
		{"A", "B"},
		{"Y", "Z"},
		{"Z", "AA"},
		{"AA", "AB"},
		{"AZ", "BA"},
		{"ZZ", "AAA"},
	}

	for _, tt := range tests {
		t.Run(tt.prev, func(t *testing.T) {
			if got := NextBatchLabel(tt.prev); got != tt.want {
				t.Errorf("NextBatchLabel(%q) = %q, want %q", tt.prev, got, tt.want)
			}
		})
	}
}

func TestAssignBatch_CreatesFirstBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	label, err := db.AssignBatch(ctx)
	if err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	if label != "A" {
		t.Errorf("label = %q, want A", label)
	}

	batches, err := db.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}
	if len(batches) != 1 || batches[0].UserCount != 1 || batches[0].Capacity != BatchCapacity {
		t.Errorf("batches = %+v, want one batch A with 1 user", batches)
	}
}

func TestAssignBatch_RollsOverWhenFull(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.AssignBatch(ctx); err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	// fill A directly instead of registering a thousand users
	if err := db.AdjustBatchCount(ctx, "A", BatchCapacity); err != nil {
		t.Fatalf("AdjustBatchCount() error = %v", err)
	}

	label, err := db.AssignBatch(ctx)
	if err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	if label != "B" {
		t.Errorf("label = %q, want B", label)
	}
}

func TestAssignBatch_PrefersLowestOpenBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, label := range []string{"Z", "AA"} {
		if _, err := db.conn.Exec(
			`INSERT INTO batches (label, user_count, capacity, active) VALUES (?, 5, ?, 1)`,
			label, BatchCapacity); err != nil {
			t.Fatalf("seeding batch %s: %v", label, err)
		}
	}

	label, err := db.AssignBatch(ctx)
	if err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	if label != "Z" {
		t.Errorf("label = %q, want Z (shorter labels sort first)", label)
	}
}

func TestAssignBatch_SkipsInactiveBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.conn.Exec(
		`INSERT INTO batches (label, user_count, capacity, active) VALUES ('A', 0, ?, 0)`,
		BatchCapacity); err != nil {
		t.Fatalf("seeding batch: %v", err)
	}

	label, err := db.AssignBatch(ctx)
	if err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	if label != "B" {
		t.Errorf("label = %q, want B", label)
	}
}

func TestAdjustBatchCount_NeverNegative(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.AssignBatch(ctx); err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}

	if err := db.AdjustBatchCount(ctx, "A", -5); err != nil {
		t.Fatalf("AdjustBatchCount() error = %v", err)
	}

	batches, _ := db.ListBatches(ctx)
	if batches[0].UserCount != 0 {
		t.Errorf("UserCount = %d, want 0", batches[0].UserCount)
	}
}
