package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tessera/internal/policy"
	"github.com/pitabwire/tessera/model"
)

func newCompilePolicyCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "compile-policy <policy.yaml>",
		Short: "Compile an approval policy document to its machine definition",
		Long: `Compile an approval policy (YAML or JSON) into the state machine
definition the engine would store, and print it as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return compilePolicyFile(args[0], out)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")

	return cmd
}

func compilePolicyFile(path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc model.PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	spec, err := policy.Compile(doc)
	if err != nil {
		return fmt.Errorf("compiling %s: %w", path, err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(spec)
}
