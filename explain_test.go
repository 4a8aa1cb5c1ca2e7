package flowmesh

import (
	"context"
	"testing"
	"time"
)

func TestExplainCollectorRecordsNodesAndModules(t *testing.T) {
	c := NewExplainCollector("rank", "hash123", 1, []OverlaySource{{Kind: "Base"}}, time.Now())
	defer c.Close()

	c.RecordNode(NodeExplain{Name: "candidate_gen", Kind: NodeStep, OutcomeKind: KindOk})
	c.RecordStageModule(context.Background(), StageModuleExplain{
		StageName: "candidate_gen", ModuleID: "a", ModuleType: "rank.echo", OutcomeKind: KindOk,
	})

	record := c.Finalize(time.Now())
	if record.FlowName != "rank" || record.PlanHash != "hash123" {
		t.Fatalf("unexpected record identity: %+v", record)
	}
	if len(record.Nodes) != 1 || record.Nodes[0].Name != "candidate_gen" {
		t.Fatalf("expected one recorded node, got %+v", record.Nodes)
	}
	if len(record.StageModules) != 1 || record.StageModules[0].ModuleID != "a" {
		t.Fatalf("expected one recorded stage module, got %+v", record.StageModules)
	}
	if record.FinishedAt.IsZero() {
		t.Fatal("expected Finalize to stamp FinishedAt")
	}
}

func TestExplainCollectorNilIsSafe(t *testing.T) {
	var c *ExplainCollector
	c.RecordNode(NodeExplain{Name: "x"})
	c.RecordStageModule(context.Background(), StageModuleExplain{ModuleID: "y"})

	record := c.Finalize(time.Now())
	if record.FlowName != "" || len(record.Nodes) != 0 {
		t.Fatalf("expected a zero-value record from a nil collector, got %+v", record)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected nil-safe Close, got %v", err)
	}
}

func TestExplainCollectorFanoutTrimHook(t *testing.T) {
	c := NewExplainCollector("rank", "hash123", 1, nil, time.Now())
	defer c.Close()

	fired := make(chan GateEvent, 1)
	if err := c.OnFanoutTrim(func(_ context.Context, ev GateEvent) error {
		fired <- ev
		return nil
	}); err != nil {
		t.Fatalf("unexpected error registering hook: %v", err)
	}

	c.RecordStageModule(context.Background(), StageModuleExplain{
		StageName: "candidate_gen", ModuleID: "c", OutcomeKind: KindSkipped, OutcomeCode: CodeFanoutTrim,
	})

	select {
	case ev := <-fired:
		if ev.Code != CodeFanoutTrim {
			t.Errorf("unexpected event code: %q", ev.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a fanout-trim hook event to fire")
	}
}
