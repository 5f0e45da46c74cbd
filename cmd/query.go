package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/export"
	"github.com/agentic-research/pdom/internal/pdom"
)

var queryBinding bool

var queryCmd = &cobra.Command{
	Use:   "query <path|name>",
	Short: "Show the indexed record of a file, or the occurrences of a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frag, err := openFragment()
		if err != nil {
			return err
		}
		defer func() { _ = frag.Close() }()

		if queryBinding {
			occ, err := occurrences(frag, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), occ)
		}

		path := filepath.ToSlash(filepath.Clean(args[0]))
		doc, ok, err := export.File(frag, path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not indexed", path)
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

type occurrence struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Role   string `json:"role"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// occurrences lists every name bound to a binding called name.
func occurrences(frag *pdom.PDOM, name string) ([]occurrence, error) {
	var out []occurrence
	err := frag.View(func() error {
		bindings, err := frag.FindBindings(name)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			kind, err := b.Kind()
			if err != nil {
				return err
			}
			names, err := b.Names()
			if err != nil {
				return err
			}
			for _, n := range names {
				f, err := n.File()
				if err != nil {
					return err
				}
				path, err := f.FileName()
				if err != nil {
					return err
				}
				role, err := n.Role()
				if err != nil {
					return err
				}
				off, length, err := n.Location()
				if err != nil {
					return err
				}
				out = append(out, occurrence{Kind: kind.String(), Path: path, Role: role.String(), Offset: off, Length: length})
			}
		}
		return nil
	})
	return out, err
}

func init() {
	queryCmd.Flags().BoolVarP(&queryBinding, "name", "n", false, "Treat the argument as a name and list its occurrences")
	rootCmd.AddCommand(queryCmd)
}
