package flowmesh

import (
	"context"
	"errors"
	"testing"
)

func TestEnrichModule(t *testing.T) {
	type Order struct {
		ID           string
		CustomerID   string
		CustomerName string
	}

	t.Run("success adds data and reports Ok", func(t *testing.T) {
		enricher := EnrichModule(func(mc ModuleContext[Order]) (Order, error) {
			o := mc.Args
			if o.CustomerID == "123" {
				o.CustomerName = "Alice Smith"
			}
			return o, nil
		})

		out := enricher.Execute(ModuleContext[Order]{Context: context.Background(), Args: Order{ID: "order-1", CustomerID: "123"}})
		v, ok := out.Value()
		if !ok || v.CustomerName != "Alice Smith" {
			t.Fatalf("expected enriched order, got %v", out)
		}
		if out.Kind() != KindOk {
			t.Fatalf("expected Ok, got %s", out.Kind())
		}
	})

	t.Run("failure degrades to Fallback with the original args, never Error", func(t *testing.T) {
		enricher := EnrichModule(func(mc ModuleContext[Order]) (Order, error) {
			return mc.Args, errors.New("lookup service unavailable")
		})

		original := Order{ID: "order-2", CustomerID: "456"}
		out := enricher.Execute(ModuleContext[Order]{Context: context.Background(), Args: original})

		if out.Kind() != KindFallback {
			t.Fatalf("expected Fallback, got %s", out.Kind())
		}
		if out.Code() != CodeEnrichDegraded {
			t.Fatalf("expected code %s, got %s", CodeEnrichDegraded, out.Code())
		}
		v, ok := out.Value()
		if !ok || v != original {
			t.Fatalf("expected original args preserved on Fallback, got %v", v)
		}
	})
}
