/*
Copyright 2024 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package main implements xdb, an in-process composition engine. It loads
// resource definitions, compositions, and claims from plain YAML manifests
// and reconciles them against an in-memory resource store.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// The top-level xdb CLI.
type cli struct {
	// Subcommands.
	Start  startCmd  `cmd:"" help:"Start the composition engine."`
	Render renderCmd `cmd:"" help:"Render a composite resource once and print the result."`

	// Flags.
	Debug bool `short:"d" help:"Emit debug logs."`
}

func main() {
	c := &cli{}
	ctx := kong.Parse(c,
		kong.Name("xdb"),
		kong.Description("An in-process composition engine for declarative resource pipelines."),
		kong.UsageOnError(),
	)

	zcfg := zap.NewProductionConfig()
	if c.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	zl, err := zcfg.Build()
	ctx.FatalIfErrorf(err)
	log := logging.NewLogrLogger(zapr.NewLogger(zl))

	ctx.FatalIfErrorf(ctx.Run(log))
}
