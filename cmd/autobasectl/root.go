// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/mod/sumdb/note"

	"github.com/utanapishtim/autobase"
	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/internal/memlog"
	"github.com/utanapishtim/autobase/view"
)

const defaultViewName = "default"

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "autobasectl",
		Short:   "Exercise the autobase linearization engine from the command line",
		Version: "0.1.0",
	}
	cmd.AddCommand(runCmd())
	return cmd
}

// runCmd constructs a single-process Autobase with one local writer,
// appends every positional argument as a value, waits for them to be
// linearized, and prints the resulting contents of the "default" view in
// committed order.
func runCmd() *cobra.Command {
	var signed bool

	cmd := &cobra.Command{
		Use:   "run [values...]",
		Short: "Append values through a local writer and print the linearized view",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), args, signed)
		},
	}
	cmd.Flags().BoolVar(&signed, "sign-checkpoints", false, "Countersign the SystemView checkpoint with an ephemeral test key")
	return cmd
}

func runDemo(ctx context.Context, values []string, signed bool) error {
	localKey := demoKey("local")
	localLog := memlog.New(localKey)

	viewLogs := map[string]*memlog.Log{}
	opener := func(_ context.Context, name string, _ view.Options) (view.Core, uint64, error) {
		l, ok := viewLogs[name]
		if !ok {
			l = memlog.New(demoKey("view/" + name))
			viewLogs[name] = l
		}
		return memlog.NewLocalHandle(l), l.Length(), nil
	}

	var recorded [][]byte
	apply := func(_ context.Context, batch []autobase.BatchEntry, views *view.ViewStore, _ *autobase.Autobase) error {
		s, err := views.Get(ctx, defaultViewName, view.Options{})
		if err != nil {
			return err
		}
		for _, e := range batch {
			v, _ := e.Value.([]byte)
			s.Append(v)
			recorded = append(recorded, v)
		}
		return nil
	}

	opts := []autobase.Option{
		autobase.WithLocalWriter(localKey, memlog.NewLocalHandle(localLog)),
		autobase.WithViewOpener(opener),
		autobase.WithApply(apply),
	}
	if signed {
		sk, _, err := note.GenerateKey(nil, "autobasectl-demo")
		if err != nil {
			return fmt.Errorf("generating demo signing key: %w", err)
		}
		signer, err := note.NewSigner(sk)
		if err != nil {
			return fmt.Errorf("constructing signer: %w", err)
		}
		opts = append(opts, autobase.WithCheckpointSigner(signer))
	}

	base, err := autobase.New(ctx, nil, opts...)
	if err != nil {
		return fmt.Errorf("constructing autobase: %w", err)
	}
	defer base.Close()

	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	if err := base.Append(ctx, raw...); err != nil {
		return fmt.Errorf("appending values: %w", err)
	}

	fmt.Printf("linearized %d value(s):\n", len(recorded))
	for i, v := range recorded {
		fmt.Printf("  %d: %s\n", i, v)
	}

	cp, err := base.Checkpoint(ctx, func(raw []byte) (*api.OplogMessage, error) {
		var m api.OplogMessage
		if err := m.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &m, nil
	})
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	fmt.Printf("checkpoint length: %d\n", cp.Length)
	return nil
}

func demoKey(name string) api.Key {
	var k api.Key
	copy(k[:], name)
	return k
}
