package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/loqalabs/aethra/internal/tables"
	"github.com/spf13/cobra"
)

func newTablesCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Validate and print the language, voice and preset tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := tables.Load(path)
			if err != nil {
				return err
			}
			return printCatalog(cmd.OutOrStdout(), catalog)
		},
	}
	cmd.Flags().StringVar(&path, "tables", "", "Path to a YAML or TOML tables file (default: built-in)")
	return cmd
}

func printCatalog(out io.Writer, c *tables.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "LANGUAGE\tCODE\tMALE\tFEMALE\n")
	for _, lang := range c.Languages {
		pair := c.Voices[lang.Code]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", lang.Name, lang.Code, pair.Male, pair.Female)
	}
	fmt.Fprintln(w)
	for _, kind := range tables.Kinds {
		var values []string
		for _, p := range c.Presets(kind) {
			values = append(values, p.Name+"="+p.Value)
		}
		fmt.Fprintf(w, "%s\t%s\n", kind, strings.Join(values, " "))
	}
	fmt.Fprintf(w, "\ndefault voice\t%s\n", c.DefaultVoice())
	return w.Flush()
}
