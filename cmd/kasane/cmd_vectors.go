package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kasane/internal/cli"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
)

// parseVector parses a comma- or space-separated list of floats.
func parseVector(s string) (models.Vector, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty vector", models.ErrInvalidVector)
	}
	v := make(models.Vector, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: component %d: %v", models.ErrInvalidVector, i, err)
		}
		v[i] = float32(x)
	}
	return v, nil
}

// readVectors decodes a stream of JSON arrays, one vector each.
func readVectors(r io.Reader) ([]models.Vector, error) {
	dec := json.NewDecoder(r)
	var out []models.Vector
	for {
		var v models.Vector
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", len(out)+1, err)
		}
		out = append(out, v)
	}
}

// collectVectors gathers vectors from args and from --file ("-" is stdin).
func collectVectors(cmd *cobra.Command, args []string) ([]models.Vector, error) {
	var vecs []models.Vector
	for _, a := range args {
		v, err := parseVector(a)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}
	file, _ := cmd.Flags().GetString("file")
	switch file {
	case "":
	case "-":
		fromFile, err := readVectors(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, fromFile...)
	default:
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fromFile, err := readVectors(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		vecs = append(vecs, fromFile...)
	}
	return vecs, nil
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [flags] [vector...]",
		Short: "Store vectors in a level",
		Long: `Store vectors in one level as a single producer batch. Each argument is a
comma-separated list of floats; --file reads JSON arrays (one per vector).

A vector that is already stored returns its existing id.

Examples:
  kasane put --level proj/s1 --create 0.1,0.2,0.3
  kasane put --level proj/s1 --file vectors.jsonl
  producer | kasane put --level proj/s1 --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			vecs, err := collectVectors(cmd, args)
			if err != nil {
				return err
			}
			if len(vecs) == 0 {
				return errors.New("no vectors given")
			}

			a, err := newApp(cmd, nil, withDimensions(len(vecs[0])))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			p, _ := cmd.Flags().GetString("level")
			create, _ := cmd.Flags().GetBool("create")
			var l *level.Level
			if create {
				l, err = a.hier.Create(ctx, p, true)
			} else {
				l, err = a.hier.Level(ctx, p)
			}
			if err != nil {
				return err
			}
			results, err := l.PutBatch(ctx, vecs)
			if err != nil {
				return err
			}
			if _, err := l.MaybeConsolidate(ctx); err != nil {
				return err
			}
			if err := l.Flush(); err != nil {
				return err
			}
			return cli.WritePutResults(cmd.OutOrStdout(), l.Name(), results, format)
		},
	}
	cmd.Flags().StringP("level", "l", hierarchy.RootPath, "Level path relative to the root")
	cmd.Flags().StringP("file", "f", "", "Read JSON vectors from file (- for stdin)")
	cmd.Flags().Bool("create", false, "Create the level and its ancestors if missing")
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored vector by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			a, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			p, _ := cmd.Flags().GetString("level")
			rec, err := a.engine.Get(context.Background(), p, id)
			if err != nil {
				return err
			}
			return cli.WriteRecord(cmd.OutOrStdout(), p, rec, format)
		},
	}
	cmd.Flags().StringP("level", "l", hierarchy.RootPath, "Level path relative to the root")
	return cmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [flags] [vector]",
		Short: "Find the nearest stored vectors",
		Long: `Search one or more levels for the nearest neighbours of a vector, or of
the stored vector with --id. Results from several levels are merged by distance.

With --server set, the query goes to a running kasane server instead of
opening the levels directly.

Examples:
  kasane search --level proj 0.1,0.2,0.3
  kasane search --level proj --level other --distinct -k 5 0.1,0.2,0.3
  kasane search --level proj --id 42
  kasane search --output json --level proj 0.1,0.2,0.3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			query, err := searchQueryFromFlags(cmd, args)
			if err != nil {
				return err
			}

			var response *models.SearchResponse
			if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
				response, err = searchViaHTTP(serverURL, query)
			} else {
				var a *app
				a, err = newApp(cmd, nil)
				if err != nil {
					return err
				}
				defer a.Close()
				response, err = a.engine.Search(context.Background(), query)
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), response, format)
		},
	}
	cmd.Flags().StringSliceP("level", "l", []string{hierarchy.RootPath}, "Levels to search (repeatable)")
	cmd.Flags().IntP("limit", "k", 10, "Number of results")
	cmd.Flags().Uint64("id", 0, "Search with the stored vector of this id (single level)")
	cmd.Flags().Bool("distinct", false, "Keep one hit per vector across levels")
	cmd.Flags().Bool("include-vector", false, "Include stored vectors in results")
	cmd.Flags().String("server", "", "Server URL, e.g. http://localhost:8080 (empty = open levels directly)")
	return cmd
}

func searchQueryFromFlags(cmd *cobra.Command, args []string) (*models.SearchQuery, error) {
	levels, _ := cmd.Flags().GetStringSlice("level")
	k, _ := cmd.Flags().GetInt("limit")
	distinct, _ := cmd.Flags().GetBool("distinct")
	includeVector, _ := cmd.Flags().GetBool("include-vector")
	query := &models.SearchQuery{Levels: levels, K: k, Distinct: distinct, IncludeVector: includeVector}

	if cmd.Flags().Changed("id") {
		id, _ := cmd.Flags().GetUint64("id")
		query.ID = &id
	}
	if len(args) == 1 {
		v, err := parseVector(args[0])
		if err != nil {
			return nil, err
		}
		query.Vector = v
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	return query, nil
}
