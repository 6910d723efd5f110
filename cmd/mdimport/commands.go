package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli"

	mdcli "github.com/zelig-tools/mdimport/internal/cli"
	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/normalized"
	"github.com/zelig-tools/mdimport/internal/resolver"
)

func runLoad(c *cli.Context) error {
	if err := mdcli.ValidateArgs(c.Args(), 1, toolName+" load FILE..."); err != nil {
		return err
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.close()

	results, err := s.loadAll(c.Args())
	for _, r := range results {
		printLoad(c.App.Writer, r)
	}
	if err != nil {
		return err
	}

	if failed := len(results) - len(loader.Graphs(results)); failed > 0 {
		return fmt.Errorf("%d of %d images failed to load", failed, len(results))
	}
	return nil
}

func runResolve(c *cli.Context) error {
	if err := mdcli.ValidateArgs(c.Args(), 1, toolName+" resolve FILE..."); err != nil {
		return err
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.close()

	results, err := s.loadAll(c.Args())
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			printLoad(c.App.Writer, r)
			failed++
		}
	}

	refs, err := s.references()
	if err != nil {
		return err
	}
	policy, _ := s.cfg.VersionPolicy()
	res := resolver.New(resolver.Options{Resolve: refs, Policy: policy, Logger: s.log})
	for _, g := range loader.Graphs(results) {
		if err := res.Add(g); err != nil {
			return err
		}
	}

	if err := res.ResolveAll(); err != nil {
		s.logger.Info("resolution finished with errors")
	}
	for _, r := range res.Results() {
		printResolved(c.App.Writer, r)
		if r.Err != nil {
			failed++
		}
	}

	assemblies, err := res.NormalizedAssemblies()
	if err != nil {
		return err
	}
	var counts normalized.Counts
	if err := normalized.Walk(assemblies, &counts); err != nil {
		return err
	}
	printSummary(c.App.Writer, counts)

	if asm, m, ok := res.EntryPoint(); ok {
		owner := res.Universe().Type(m.Owner)
		printEntryPoint(c.App.Writer, asm, owner, m)
	}

	if failed > 0 {
		return fmt.Errorf("%d assemblies failed", failed)
	}
	return nil
}

func runConfig(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.close()

	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func (s *session) loadAll(paths []string) ([]loader.Result, error) {
	inputs, err := s.inputs(paths)
	if err != nil {
		return nil, err
	}
	s.logger.Info("loading %d images (%s)", len(inputs), s.load.Flags)
	return loader.LoadBatch(context.Background(), inputs, s.load)
}
