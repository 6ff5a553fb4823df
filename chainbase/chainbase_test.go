// SPDX-License-Identifier: GPL-3.0-or-later

package chainbase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConcatenatesListResultsAcrossAddons(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "a1",
		Methods: map[string]MethodFunc{
			"collect": func(ctx context.Context, result any, args []any) (any, error) {
				return []string{"a1-item"}, nil
			},
		},
	})
	g.RegisterAddon(&Registrant{
		OwnerID: "a2",
		Methods: map[string]MethodFunc{
			"collect": func(ctx context.Context, result any, args []any) (any, error) {
				return []string{"a2-item"}, nil
			},
		},
	})

	res, err := g.Run(context.Background(), "collect", nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1-item", "a2-item"}, res)
}

func TestRunStopsAtFirstNonListResult(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "a1",
		Methods: map[string]MethodFunc{
			"pick": func(ctx context.Context, result any, args []any) (any, error) {
				return "winner", nil
			},
		},
	})
	g.RegisterAddon(&Registrant{
		OwnerID: "a2",
		Methods: map[string]MethodFunc{
			"pick": func(ctx context.Context, result any, args []any) (any, error) {
				t.Fatal("a2 must not be called once a non-list result is final")
				return nil, nil
			},
		},
	})

	res, err := g.Run(context.Background(), "pick", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "winner", res)
}

func TestRunFallsThroughToSystemTierWhenNoAddonResult(t *testing.T) {
	g := New(nil, nil)
	g.RegisterSystem(&Registrant{
		OwnerID:  "sysB",
		Priority: 2,
		Methods: map[string]MethodFunc{
			"pick": func(ctx context.Context, result any, args []any) (any, error) {
				return "from-system-b", nil
			},
		},
	})
	g.RegisterSystem(&Registrant{
		OwnerID:  "sysA",
		Priority: 1,
		Methods: map[string]MethodFunc{
			"pick": func(ctx context.Context, result any, args []any) (any, error) {
				return "from-system-a", nil
			},
		},
	})

	res, err := g.Run(context.Background(), "pick", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "from-system-a", res, "lower priority value runs first and its non-list result wins")
}

func TestSystemTierReceivesAddonResultAsTransformerInput(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "a1",
		Methods: map[string]MethodFunc{
			"transform": func(ctx context.Context, result any, args []any) (any, error) {
				return []int{1, 2}, nil
			},
		},
	})
	g.RegisterSystem(&Registrant{
		OwnerID: "sys1",
		Methods: map[string]MethodFunc{
			"transform": func(ctx context.Context, result any, args []any) (any, error) {
				nums := result.([]int)
				sum := 0
				for _, n := range nums {
					sum += n
				}
				return sum, nil
			},
		},
	})

	res, err := g.Run(context.Background(), "transform", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res)
}

func TestErrorsAreIsolatedByDefault(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "bad",
		Methods: map[string]MethodFunc{
			"go": func(ctx context.Context, result any, args []any) (any, error) {
				return nil, errors.New("boom")
			},
		},
	})
	g.RegisterAddon(&Registrant{
		OwnerID: "good",
		Methods: map[string]MethodFunc{
			"go": func(ctx context.Context, result any, args []any) (any, error) {
				return "ok", nil
			},
		},
	})

	res, err := g.Run(context.Background(), "go", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestRaiseExceptionAbortsFold(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "bad",
		Methods: map[string]MethodFunc{
			"go": func(ctx context.Context, result any, args []any) (any, error) {
				return nil, errors.New("boom")
			},
		},
	})

	_, err := g.Run(context.Background(), "go", nil, true)
	assert.Error(t, err)
}

func TestRemoveAddonDropsItsContributions(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "a1",
		Methods: map[string]MethodFunc{
			"go": func(ctx context.Context, result any, args []any) (any, error) {
				return "from-a1", nil
			},
		},
	})
	g.RemoveAddon("a1")

	res, err := g.Run(context.Background(), "go", nil, false)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRunAsyncMatchesSyncResult(t *testing.T) {
	g := New(nil, nil)
	g.RegisterAddon(&Registrant{
		OwnerID: "a1",
		Methods: map[string]MethodFunc{
			"go": func(ctx context.Context, result any, args []any) (any, error) {
				return "value", nil
			},
		},
	})

	fut := g.RunAsync(context.Background(), "go", nil, false)
	res, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "value", res)
}
