package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

var (
	createColor  = color.New(color.FgGreen)
	deleteColor  = color.New(color.FgRed)
	updateColor  = color.New(color.FgYellow)
	neutralColor = color.New(color.Reset)
	headerColor  = color.New(color.Bold)
)

func actionStyle(action string) (symbol string, c *color.Color) {
	switch action {
	case "CREATE":
		return "+", createColor
	case "DELETE":
		return "-", deleteColor
	case "REPLACE":
		return "-/+", updateColor
	case "UPDATE":
		return "~", updateColor
	default:
		return " ", neutralColor
	}
}

// renderPlanChanges prints every change of a plan with its property diff.
func renderPlanChanges(w io.Writer, plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol, c := actionStyle(change.Action)

		res := change.Desired
		if res == nil {
			res = change.Prior
		}

		fmt.Fprintln(w)
		c.Fprintf(w, "  # %s will be %s\n", change.Address, verb(change.Action))
		if res == nil {
			continue
		}
		c.Fprintf(w, "  %s resource %q %q {\n", symbol, res.Type, res.Name)
		renderPropertyDiff(w, change)
		c.Fprintln(w, "    }")
	}
}

func verb(action string) string {
	switch action {
	case "CREATE":
		return "created"
	case "DELETE":
		return "destroyed"
	case "REPLACE":
		return "replaced"
	case "UPDATE":
		return "updated in-place"
	default:
		return "left unchanged"
	}
}

// renderPropertyDiff prints the structured diff of a change in key order.
func renderPropertyDiff(w io.Writer, change *ir.ResourceChange) {
	keys := make([]string, 0, len(change.Diff))
	for k := range change.Diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		diff := change.Diff[key]
		suffix := ""
		if diff.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch diff.Action {
		case "create":
			createColor.Fprintf(w, "      + %s = %s%s\n", key, formatValue(diff.After), suffix)
		case "delete":
			deleteColor.Fprintf(w, "      - %s = %s%s\n", key, formatValue(diff.Before), suffix)
		case "update":
			updateColor.Fprintf(w, "      ~ %s = %s -> %s%s\n", key, formatValue(diff.Before), formatValue(diff.After), suffix)
		default:
			fmt.Fprintf(w, "        %s = %s\n", key, formatValue(diff.After))
		}
	}
}

// formatValue renders scalars as Go literals and collections as compact JSON.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func renderPlanSummary(w io.Writer, plan *ir.Plan) {
	s := plan.Summary
	headerColor.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged.\n",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
}

// renderOutputs prints outputs in key order.
func renderOutputs(w io.Writer, outputs map[string]any) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k, formatValue(outputs[k]))
	}
}
