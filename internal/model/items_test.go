package model_test

import (
	"strings"
	"testing"

	"github.com/valuation-tools/tabctl/internal/model"

	"github.com/stretchr/testify/require"
)

func TestReadItems(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     []model.WorkItem
		err      string
	}{
		{
			scenario: "yaml",
			given: `
- id: A-1
  payload:
    name: Crane
    value: 120
- id: A-2
`,
			then: []model.WorkItem{
				{ID: "A-1", Payload: map[string]any{"name": "Crane", "value": 120}},
				{ID: "A-2"},
			},
		},
		{
			scenario: "json",
			given:    `[{"id": "A-1", "payload": {"tags": ["x", "y"]}}]`,
			then:     []model.WorkItem{{ID: "A-1", Payload: map[string]any{"tags": []any{"x", "y"}}}},
		},
		{
			scenario: "empty",
			given:    "",
		},
		{
			scenario: "missing id",
			given:    "- payload: {a: 1}",
			err:      "item 0: missing id",
		},
		{
			scenario: "unknown field",
			given:    "- id: A\n  paylod: {a: 1}",
			err:      "items validation failed",
		},
		{
			scenario: "not a list",
			given:    "id: A",
			err:      "items validation failed",
		},
		{
			scenario: "payload not an object",
			given:    `[{"id": "A", "payload": [1, 2]}]`,
			err:      "items validation failed",
		},
		{
			scenario: "duplicate id",
			given:    "- id: A\n- id: A",
			err:      `item 1: duplicate id "A"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			items, err := model.ReadItems(strings.NewReader(tc.given))
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, items)
		})
	}
}
