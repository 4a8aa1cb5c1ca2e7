package flowmesh

import (
	"context"
	"strings"
	"testing"
)

func TestMutateModule(t *testing.T) {
	upperLong := MutateModule(
		func(mc ModuleContext[string]) bool { return len(mc.Args) > 5 },
		func(mc ModuleContext[string]) string { return strings.ToUpper(mc.Args) },
	)

	t.Run("condition true transforms", func(t *testing.T) {
		out := upperLong.Execute(ModuleContext[string]{Context: context.Background(), Args: "hello world"})
		if v, _ := out.Value(); v != "HELLO WORLD" {
			t.Errorf("expected HELLO WORLD, got %q", v)
		}
	})

	t.Run("condition false passes through unchanged", func(t *testing.T) {
		out := upperLong.Execute(ModuleContext[string]{Context: context.Background(), Args: "hi"})
		if v, _ := out.Value(); v != "hi" {
			t.Errorf("expected unchanged value, got %q", v)
		}
	})

	t.Run("complex condition over a struct", func(t *testing.T) {
		type User struct {
			Age      int
			Premium  bool
			Discount float64
		}
		seniorDiscount := MutateModule(
			func(mc ModuleContext[User]) bool { return mc.Args.Premium && mc.Args.Age >= 65 },
			func(mc ModuleContext[User]) User {
				u := mc.Args
				u.Discount = 0.2
				return u
			},
		)

		cases := []struct {
			name     string
			user     User
			expected float64
		}{
			{"premium senior", User{Age: 70, Premium: true}, 0.2},
			{"non-premium senior", User{Age: 70, Premium: false}, 0.0},
			{"premium non-senior", User{Age: 30, Premium: true}, 0.0},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				out := seniorDiscount.Execute(ModuleContext[User]{Context: context.Background(), Args: tc.user})
				v, _ := out.Value()
				if v.Discount != tc.expected {
					t.Errorf("expected discount %f, got %f", tc.expected, v.Discount)
				}
			})
		}
	})
}
