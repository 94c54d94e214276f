package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>",
	Short: "Parse a workflow definition and report structural errors",
	Long: `Parses the given *.workflow.{yaml,yml,json} file, checking for
duplicate node ids, cyclic dependencies, references to unknown nodes, and
references to tools that aren't in the builtin registry. Exits non-zero on
the first error found.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	dispatcher := dispatch.New(reg)

	loader := workflow.NewLoader(afero.NewOsFs(), ".")
	def, err := loader.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	if _, err := workflow.Parse(def, dispatcher.HasTool); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}

	fmt.Printf("%s is valid: %d node(s)\n", path, len(def.Nodes))
	return nil
}
