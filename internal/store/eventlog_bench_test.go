package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func seedBenchInstance(b *testing.B, s Store) string {
	b.Helper()
	id := uuid.New().String()
	if err := s.CreateWorkflowInstance(context.Background(), &schema.WorkflowInstance{
		ID: id, Namespace: "bench", Name: "bench", Version: "1", Status: schema.WorkflowStatusRunning,
	}); err != nil {
		b.Fatal(err)
	}
	return id
}

func BenchmarkEventLog_AppendTaskEvent(b *testing.B) {
	s, el := newBenchStore(b)
	wfID := seedBenchInstance(b, s)
	ctx := context.Background()
	task := &schema.TaskInstance{WorkflowInstanceID: wfID, Reference: "/do/0/a", Kind: schema.KindSet, Status: schema.TaskStatusRunning}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := el.AppendTaskEvent(ctx, schema.EventTaskStarted, task); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEventLog_ReplayTasks(b *testing.B) {
	for _, n := range []int{10, 100} {
		b.Run(fmt.Sprintf("tasks=%d", n), func(b *testing.B) {
			s, el := newBenchStore(b)
			wfID := seedBenchInstance(b, s)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				task := &schema.TaskInstance{WorkflowInstanceID: wfID, Reference: fmt.Sprintf("/do/%d/t", i), Kind: schema.KindSet, Status: schema.TaskStatusCompleted}
				if _, err := el.AppendTaskEvent(ctx, schema.EventTaskCompleted, task); err != nil {
					b.Fatal(err)
				}
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := el.ReplayTasks(ctx, wfID); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkMemoryStore_PutGetDocument(b *testing.B) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := map[string]any{"a": 1, "b": []any{"x", "y"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ref, err := s.PutDocument(ctx, doc)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := s.GetDocument(ctx, ref); err != nil {
			b.Fatal(err)
		}
	}
}
