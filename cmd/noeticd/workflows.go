package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cloudshipai/noetic/internal/config"
	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/obs"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/store"
	"github.com/cloudshipai/noetic/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Work with workflow definitions outside of a running server",
}

var workflowInputJSON string

var workflowsRunCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow definition to completion against the builtin tool set",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsRun,
}

func init() {
	workflowsRunCmd.Flags().StringVar(&workflowInputJSON, "input", "{}", "JSON object passed as the workflow's ${input.*}")
}

func runWorkflowsRun(cmd *cobra.Command, args []string) error {
	path := args[0]

	var input interface{}
	if err := json.Unmarshal([]byte(workflowInputJSON), &input); err != nil {
		return fmt.Errorf("--input is not valid JSON: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	obs.Initialize(cfg.Debug)

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	dispatcher := dispatch.New(reg)

	st := store.NewMemory()
	defer st.Close()
	engine := workflow.NewEngine(dispatcher, st, cfg.Workers)

	loader := workflow.NewLoader(afero.NewOsFs(), ".")
	def, err := loader.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	run, err := engine.Run(context.Background(), def, input)
	if err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}

	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(body))

	if run.Status != workflow.RunSucceeded {
		return fmt.Errorf("workflow finished with status %q", run.Status)
	}
	return nil
}
