package main

import (
	"context"

	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/schema"
)

// registerBuiltins adds the handful of tools every noeticd instance carries
// regardless of deployment-specific tool packs, so a fresh install has
// something to dispatch and workflow-validate against.
func registerBuiltins(reg *registry.Registry) error {
	echoSchema := schema.Object(map[string]schema.Field{
		"value": {Schema: schema.String(), Required: true},
	})

	if err := reg.Register(registry.Spec{
		Name:         "echo",
		Version:      "1.0.0",
		Description:  "Returns its input value unchanged; useful for wiring and smoke-testing workflows",
		InputSchema:  echoSchema,
		OutputSchema: echoSchema,
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return input, nil
		},
	}); err != nil {
		return err
	}

	return reg.Register(registry.Spec{
		Name:        "ping",
		Version:     "1.0.0",
		Description: "Takes no input and reports liveness",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"status": "ok"}, nil
		},
	})
}
