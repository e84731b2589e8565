// Command qikv is a one-shot CLI over a qikv store directory: each
// invocation opens (or recovers) the store, performs one operation, and
// closes it. Grounded on oarkflow-velocity/cli's flag/command shape
// (cli/commands/data.go), trimmed of its multi-tenant permission registry
// since qikv is a single-writer local store with no user model to check
// against.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/adwinwhite/qikv"
	"github.com/adwinwhite/qikv/config"
)

// resolveConfig builds the Config an invocation runs with: the spec §6.4
// defaults rooted at --dir, overridden by --config's tuning constants if
// given (spec §9 "Configurability" made reachable from the CLI). --dir
// always wins for DataDir, since a config file's own data_dir would let the
// two flags silently disagree on which store is being opened.
func resolveConfig(c *cli.Command) (config.Config, error) {
	dir := c.Root().String("dir")
	path := c.Root().String("config")
	if path == "" {
		return config.Default(dir), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.DataDir = dir
	return cfg, nil
}

func openStore(cfg config.Config) (*qikv.Store, error) {
	dir := cfg.DataDir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return qikv.NewWithConfig(dir, cfg)
	}
	s, err := qikv.RecoverWithConfig(dir, cfg)
	if err != nil {
		// A directory that exists but was never initialized as a store
		// (no MANIFEST_CURRENT yet) is still a fresh store, not a recovery.
		return qikv.NewWithConfig(dir, cfg)
	}
	return s, nil
}

func main() {
	app := &cli.Command{
		Name:  "qikv",
		Usage: "embedded LSM key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Aliases:  []string{"d"},
				Usage:    "store directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML file tuning the five spec constants (defaults used if omitted)",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			statsCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "qikv: %v\n", err)
		os.Exit(1)
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:  "put",
		Usage: "store a key-value pair",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Insert([]byte(c.String("key")), []byte(c.String("value"))); err != nil {
				return fmt.Errorf("put: %w", err)
			}
			fmt.Fprintf(c.Root().Writer, "stored %q\n", c.String("key"))
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "retrieve a value by key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			value, ok, err := s.Get([]byte(c.String("key")))
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			if !ok {
				fmt.Fprintf(c.Root().Writer, "(not found)\n")
				return nil
			}
			fmt.Fprintf(c.Root().Writer, "%s\n", value)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "tombstone a key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Remove([]byte(c.String("key"))); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintf(c.Root().Writer, "deleted %q\n", c.String("key"))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print per-level sst counts and the manifest's max level",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			stats := s.Stats()
			fmt.Fprintf(c.Root().Writer, "workdir: %s\n", s.Workdir())
			fmt.Fprintf(c.Root().Writer, "max level: %d\n", stats.MaxLevel)
			for level := uint64(0); level <= stats.MaxLevel; level++ {
				fmt.Fprintf(c.Root().Writer, "  level %d: %d ssts\n", level, stats.SstsByLevel[level])
			}
			return nil
		},
	}
}
