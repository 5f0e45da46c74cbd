package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/export"
)

var selector string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the index as JSON, optionally filtered by a JSONPath",
	Example: `  pdom dump --select '$.files[*].path'
  pdom dump --select '$.bindings[?(@.kind == "function")].name'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		frag, err := openFragment()
		if err != nil {
			return err
		}
		defer func() { _ = frag.Close() }()

		doc, err := export.Snapshot(frag)
		if err != nil {
			return err
		}
		if selector == "" {
			return printJSON(cmd.OutOrStdout(), doc)
		}
		results, err := selectPath(doc, selector)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), results)
	},
}

// selectPath evaluates a JSONPath over the generic form of doc.
func selectPath(doc *export.Document, selector string) ([]any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	root, err := oj.Parse(raw)
	if err != nil {
		return nil, err
	}
	return x.Get(root), nil
}

func init() {
	dumpCmd.Flags().StringVarP(&selector, "select", "s", "", "JSONPath selecting part of the dump")
	rootCmd.AddCommand(dumpCmd)
}
