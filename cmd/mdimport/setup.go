package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	mdcli "github.com/zelig-tools/mdimport/internal/cli"
	"github.com/zelig-tools/mdimport/internal/config"
	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/locator"
	"github.com/zelig-tools/mdimport/internal/resolver"
)

// session is everything a command needs, built once from flags, the
// configuration file and the environment.
type session struct {
	cfg     *config.Config
	logger  *mdcli.Logger
	log     logrus.FieldLogger
	load    loader.Options
	closers []func() error
}

func newSession(c *cli.Context) (*session, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	verbose, debug := c.GlobalBool("verbose"), c.GlobalBool("debug")
	logger := mdcli.NewLogger(verbose, debug)
	if c.App.ErrWriter != nil {
		logger.SetOutput(c.App.ErrWriter)
	}
	if !verbose && !debug {
		level, _ := cfg.Level()
		logger.SetLevel(level)
	}

	s := &session{cfg: cfg, logger: logger, log: logger.Entry()}
	s.load = loader.Options{
		Flags:       cfg.Flags(),
		Symbols:     locator.SiblingSymbols{Dirs: cfg.SymbolPaths},
		Parallelism: cfg.Parallelism,
		Logger:      s.log,
	}
	return s, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if paths := c.StringSlice("path"); len(paths) > 0 {
		cfg.SearchPaths = append(paths, cfg.SearchPaths...)
	}
	if dirs := c.StringSlice("symbols"); len(dirs) > 0 {
		cfg.SymbolPaths = append(dirs, cfg.SymbolPaths...)
	}
	if c.IsSet("registry") {
		cfg.Registry.URL = c.String("registry")
	}
	if c.IsSet("http3") {
		cfg.Registry.HTTP3 = c.Bool("http3")
	}
	if c.IsSet("policy") {
		cfg.Policy = c.String("policy")
	}
	if c.IsSet("code") {
		cfg.LoadCode = c.Bool("code")
	}
	if c.IsSet("debug-info") {
		cfg.LoadDebugInfo = c.Bool("debug-info")
	}
	if c.IsSet("parallel") {
		cfg.Parallelism = c.Int("parallel")
	}
}

// references builds the resolver callback: search paths first, then the
// registry when one is configured.
func (s *session) references() (resolver.ReferenceResolver, error) {
	var chain locator.Chain

	if len(s.cfg.SearchPaths) > 0 {
		dir, err := locator.NewDirectoryResolver(s.cfg.SearchPaths, locator.DirectoryOptions{Load: s.load, Logger: s.log})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, dir.Close)
		chain = append(chain, dir)
	}

	if s.cfg.Registry.URL != "" {
		timeout, _ := s.cfg.Registry.RequestTimeout()
		reg := locator.NewRegistryResolver(s.cfg.Registry.URL, locator.RegistryOptions{
			HTTP3:   s.cfg.Registry.HTTP3,
			Timeout: timeout,
			Token:   s.cfg.Registry.Token,
			Load:    s.load,
			Logger:  s.log,
		})
		s.closers = append(s.closers, reg.Close)
		chain = append(chain, reg)
	}

	s.logger.Debug("reference search: %d paths, registry %q", len(s.cfg.SearchPaths), s.cfg.Registry.URL)
	return chain, nil
}

// inputs reads every file named on the command line.
func (s *session) inputs(paths []string) ([]loader.Input, error) {
	out := make([]loader.Input, 0, len(paths))
	for _, p := range paths {
		data, err := locator.ReadImage(p)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		out = append(out, loader.Input{Name: p, Data: data})
	}
	return out, nil
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("cleanup: %v", err)
		}
	}
	s.closers = nil
}
