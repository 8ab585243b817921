package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/aggregate"
	"github.com/hyperjump/kasane/internal/cli"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/level"
)

func levelEntries(t *hierarchy.Tree) []cli.LevelEntry {
	nodes := t.Nodes()
	out := make([]cli.LevelEntry, 0, len(nodes))
	for _, n := range nodes {
		e := cli.LevelEntry{Path: n.Path, Dir: n.Dir}
		if n.Parent != nil {
			e.Parent = n.Parent.Path
		}
		for _, c := range n.Children {
			e.Children = append(e.Children, c.Path)
		}
		out = append(out, e)
	}
	return out
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List the levels under the root",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return cli.WriteLevels(cmd.OutOrStdout(), a.hier.Root(), levelEntries(a.hier.Tree()), format)
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-level counts, index state, and disk usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			p, _ := cmd.Flags().GetString("level")

			var levels []*level.Status
			if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
				res, err := statusViaHTTP(serverURL, p)
				if err != nil {
					return fmt.Errorf("status failed: %w", err)
				}
				levels = res.Levels
			} else {
				a, err := newApp(cmd, nil)
				if err != nil {
					return err
				}
				defer a.Close()
				levels, err = a.status(context.Background(), p)
				if err != nil {
					return err
				}
			}
			return cli.WriteStatus(cmd.OutOrStdout(), levels, format)
		},
	}
	cmd.Flags().StringP("level", "l", "", "Only this level (default: all levels)")
	cmd.Flags().String("server", "", "Server URL (empty = open levels directly)")
	return cmd
}

func (a *app) status(ctx context.Context, p string) ([]*level.Status, error) {
	paths := []string{p}
	if p == "" {
		paths = paths[:0]
		for _, n := range a.hier.Tree().Nodes() {
			paths = append(paths, n.Path)
		}
	}
	out := make([]*level.Status, 0, len(paths))
	for _, p := range paths {
		l, err := a.hier.Level(ctx, p)
		if err != nil {
			return nil, err
		}
		st, err := l.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare each level's index with its store and repair divergence",
		Long: `Compare the identifiers in each level's index with those in its store.

With --repair (the default) the guard policy is applied: small divergence is
tolerated, a missing tail is replayed, and anything larger rebuilds the index
from the store. With --repair=false levels are only reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			repair, _ := cmd.Flags().GetBool("repair")
			var reports []*guard.Report
			if p, _ := cmd.Flags().GetString("level"); p != "" {
				r, err := a.hier.Check(ctx, p, repair)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else {
				reports, err = a.hier.CheckAll(ctx, repair)
				if err != nil {
					return err
				}
			}
			return cli.WriteReports(cmd.OutOrStdout(), reports, format)
		},
	}
	cmd.Flags().StringP("level", "l", "", "Only this level (default: all levels)")
	cmd.Flags().Bool("repair", true, "Apply the guard policy to diverged levels")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild a level's index from its store",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			p, _ := cmd.Flags().GetString("level")
			if err := a.hier.Rebuild(ctx, p); err != nil {
				return err
			}
			r, err := a.hier.Check(ctx, p, false)
			if err != nil {
				return err
			}
			return cli.WriteReports(cmd.OutOrStdout(), []*guard.Report{r}, format)
		},
	}
	cmd.Flags().StringP("level", "l", hierarchy.RootPath, "Level path relative to the root")
	return cmd
}

func newConsolidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Consolidate a level's index now",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			p, _ := cmd.Flags().GetString("level")
			l, err := a.hier.Level(ctx, p)
			if err != nil {
				return err
			}
			if err := l.Consolidate(ctx); err != nil {
				return err
			}
			st, err := l.Status(ctx)
			if err != nil {
				return err
			}
			return cli.WriteStatus(cmd.OutOrStdout(), []*level.Status{st}, format)
		},
	}
	cmd.Flags().StringP("level", "l", hierarchy.RootPath, "Level path relative to the root")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Copy child level vectors into their parent levels",
		Long: `Aggregate child levels into their parents, bottom-up. Each child -> parent
edge resumes from its checkpoint, so repeating a run adds nothing.

Examples:
  kasane aggregate                    # every edge under the root
  kasane aggregate --level proj       # the subtree below proj
  kasane aggregate --edge proj/s1     # proj/s1 into its parent only
  kasane aggregate --propagate proj/s1  # proj/s1 up to the top level
  kasane aggregate --create           # add levels at every ancestor first`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			p, _ := cmd.Flags().GetString("level")
			edge, _ := cmd.Flags().GetString("edge")
			propagate, _ := cmd.Flags().GetString("propagate")
			if create, _ := cmd.Flags().GetBool("create"); create {
				created, err := a.hier.CreateAncestors(ctx)
				if err != nil {
					return err
				}
				for _, c := range created {
					a.logger.Info("created level", zap.String("level", c))
				}
			}

			var results []*aggregate.Result
			switch {
			case edge != "":
				var r *aggregate.Result
				r, err = a.hier.AggregateEdge(ctx, edge)
				if r != nil {
					results = append(results, r)
				}
			case propagate != "":
				results, err = a.hier.Propagate(ctx, propagate)
			case p != "":
				results, err = a.hier.AggregateInto(ctx, p)
			default:
				results, err = a.hier.AggregateAll(ctx)
			}
			if err != nil {
				return err
			}
			return cli.WriteAggregateResults(cmd.OutOrStdout(), results, format)
		},
	}
	cmd.Flags().StringP("level", "l", "", "Aggregate the subtree below this level")
	cmd.Flags().String("edge", "", "Aggregate only this child level into its parent")
	cmd.Flags().String("propagate", "", "Aggregate this level up the whole ancestor chain")
	cmd.Flags().Bool("create", false, "Create a level at every ancestor of each level first")
	cmd.MarkFlagsMutuallyExclusive("level", "edge", "propagate")
	return cmd
}
