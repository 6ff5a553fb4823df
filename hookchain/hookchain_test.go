// SPDX-License-Identifier: GPL-3.0-or-later

package hookchain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wumode/mitmpilot-core/flow"
	"github.com/wumode/mitmpilot-core/obslog"
	"github.com/wumode/mitmpilot-core/rule"
)

func always() bool { return true }

// P3: dispatch order equals stable_sort_desc_by_priority regardless of insertion order.
func TestPropertyHookOrdering(t *testing.T) {
	c := NewChain(nil, nil)
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context, f *flow.Flow) error {
			order = append(order, name)
			return nil
		}
	}
	c.Add(&Hook{ID: "a", Priority: 50, Func: record("p50"), IsEnabled: always})
	c.Add(&Hook{ID: "b", Priority: 10, Func: record("p10"), IsEnabled: always})
	c.Add(&Hook{ID: "c", Priority: 100, Func: record("p100"), IsEnabled: always})
	c.Add(&Hook{ID: "d", Priority: 50, Func: record("p50b"), IsEnabled: always})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, []string{"p100", "p50", "p50b", "p10"}, order)
}

// P4: removing all hooks of one addon leaves the others intact and ordered.
func TestPropertyRemoveByIDLocality(t *testing.T) {
	c := NewChain(nil, nil)
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context, f *flow.Flow) error {
			order = append(order, name)
			return nil
		}
	}
	c.Add(&Hook{ID: "addon-a", Priority: 30, Func: record("a1"), IsEnabled: always})
	c.Add(&Hook{ID: "addon-b", Priority: 20, Func: record("b1"), IsEnabled: always})
	c.Add(&Hook{ID: "addon-a", Priority: 10, Func: record("a2"), IsEnabled: always})

	c.RemoveByID("addon-a")
	require.Equal(t, 1, c.Len())

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, []string{"b1"}, order)
}

// S4: priority 100 with IgnoreRest stops the chain before the 50 and 10 hooks run.
func TestScenarioIgnoreRestStopsChain(t *testing.T) {
	c := NewChain(nil, nil)
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context, f *flow.Flow) error {
			order = append(order, name)
			return nil
		}
	}
	c.Add(&Hook{ID: "a", Priority: 50, Func: record("p50"), IsEnabled: always})
	c.Add(&Hook{ID: "b", Priority: 100, Func: record("p100"), IgnoreRest: true, IsEnabled: always})
	c.Add(&Hook{ID: "c", Priority: 10, Func: record("p10"), IsEnabled: always})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, []string{"p100"}, order)
}

func TestNonMatchingRuleAbortsChain(t *testing.T) {
	c := NewChain(nil, nil)
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context, f *flow.Flow) error {
			order = append(order, name)
			return nil
		}
	}
	neverMatch, err := rule.ParseLine("DOMAIN,never-matches.example,COMPATIBLE")
	require.NoError(t, err)

	c.Add(&Hook{ID: "a", Priority: 100, Rule: neverMatch, Func: record("first"), IsEnabled: always})
	c.Add(&Hook{ID: "b", Priority: 50, Func: record("second"), IsEnabled: always})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Empty(t, order, "a non-matching rule must abort the chain, not skip the hook")
}

func TestDisabledHookIsSkippedNotAborting(t *testing.T) {
	c := NewChain(nil, nil)
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context, f *flow.Flow) error {
			order = append(order, name)
			return nil
		}
	}
	c.Add(&Hook{ID: "a", Priority: 100, Func: record("first"), IsEnabled: func() bool { return false }})
	c.Add(&Hook{ID: "b", Priority: 50, Func: record("second"), IsEnabled: always})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, []string{"second"}, order)
}

func TestHookErrorDoesNotAbortChain(t *testing.T) {
	c := NewChain(obslog.DefaultSLogger(), obslog.DefaultErrClassifier)
	var order []string
	c.Add(&Hook{ID: "a", Priority: 100, IsEnabled: always, Func: func(ctx context.Context, f *flow.Flow) error {
		order = append(order, "first")
		return errors.New("boom")
	}})
	c.Add(&Hook{ID: "b", Priority: 50, IsEnabled: always, Func: func(ctx context.Context, f *flow.Flow) error {
		order = append(order, "second")
		return nil
	}})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestAsyncChainRunsAllEnabledHooks(t *testing.T) {
	c := NewAsyncChain(nil, nil)
	results := make(chan string, 2)
	c.Add(&Hook{ID: "a", Priority: 10, IsEnabled: always, Func: func(ctx context.Context, f *flow.Flow) error {
		results <- "a"
		return nil
	}})
	c.Add(&Hook{ID: "b", Priority: 20, IsEnabled: always, Func: func(ctx context.Context, f *flow.Flow) error {
		results <- "b"
		return nil
	}})

	c.Dispatch(context.Background(), flow.NewFlow(flow.TypeHTTP))
	close(results)
	seen := map[string]bool{}
	for r := range results {
		seen[r] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}
