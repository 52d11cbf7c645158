package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casegraph/casegraph"
	"github.com/casegraph/casegraph/extract"
	"github.com/casegraph/casegraph/hierarchy"
	"github.com/casegraph/casegraph/ingest"
	"github.com/casegraph/casegraph/store"
)

var (
	configPath string
	projectID  string
	caseID     string
	verbose    bool

	engine *casegraph.Engine
)

func main() {
	root := &cobra.Command{
		Use:   "casegraph",
		Short: "Argument graph extraction and passage hierarchies for document collections",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err = casegraph.NewEngine(cfg)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if engine != nil {
				return engine.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVarP(&projectID, "project", "p", "default", "project ID")
	root.PersistentFlags().StringVar(&caseID, "case", "", "case ID for case-scoped operations")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		ingestCmd(),
		extractCmd(),
		integrateCmd(),
		clusterCmd(),
		hierarchyCmd(),
		diffCmd(),
		statsCmd(),
		sweepCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (casegraph.Config, error) {
	cfg := casegraph.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = casegraph.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}

	// Environment overrides, then the well-known provider key as fallback.
	if v := os.Getenv("CASEGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASEGRAPH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	key := os.Getenv("OPENAI_API_KEY")
	for _, lc := range []*casegraph.LLMConfig{&cfg.Fast, &cfg.Extraction, &cfg.Embedding} {
		if lc.APIKey == "" {
			lc.APIKey = key
		}
	}
	return cfg, nil
}

func ingestCmd() *cobra.Command {
	var docID string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed, and store a document's passages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := ingest.NewRegistry().Load(ctx, args[0])
			if err != nil {
				return err
			}
			if docID == "" {
				docID = filepath.Base(args[0])
			}

			chunks := ingest.SplitPassages(doc.Text, ingest.DefaultPassageWords)
			if len(chunks) == 0 {
				return fmt.Errorf("no content in %s", args[0])
			}
			embeddings, err := engine.Embedder().EmbedBatch(ctx, chunks)
			if err != nil {
				return fmt.Errorf("embedding passages: %w", err)
			}

			passages := make([]store.Passage, len(chunks))
			for i, c := range chunks {
				passages[i] = store.Passage{
					DocumentID: docID,
					ProjectID:  projectID,
					Text:       c,
					Position:   i,
					Embedding:  embeddings[i],
				}
			}
			ids, err := engine.IngestPassages(ctx, passages)
			if err != nil {
				return err
			}
			fmt.Printf("ingested %d passages from %s\n", len(ids), docID)
			return nil
		},
	}
	cmd.Flags().StringVar(&docID, "document", "", "document ID (default: file name)")
	return cmd
}

func extractCmd() *cobra.Command {
	var title string
	var integrate bool
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract an argument graph from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := ingest.NewRegistry().Load(ctx, args[0])
			if err != nil {
				return err
			}
			if title == "" {
				title = doc.Title
			}

			res, err := engine.ExtractDocument(ctx, extract.Input{
				ProjectID:  projectID,
				CaseID:     caseID,
				DocumentID: filepath.Base(args[0]),
				Title:      title,
				Text:       doc.Text,
			})
			if err != nil {
				return err
			}
			fmt.Printf("extracted %d nodes, %d edges from %d section(s)\n",
				len(res.Nodes), len(res.Edges), res.Sections)

			if integrate && len(res.Nodes) > 0 {
				ids := make([]string, len(res.Nodes))
				for i, n := range res.Nodes {
					ids[i] = n.ID
				}
				ir, err := engine.Integrate(ctx, projectID, caseID, ids)
				if err != nil {
					return err
				}
				fmt.Printf("integration: %d edges, %d tensions, %d updates\n",
					len(ir.Edges), len(ir.Tensions), len(ir.UpdatedNodes))
				if ir.Narrative != "" {
					fmt.Println(ir.Narrative)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	cmd.Flags().BoolVar(&integrate, "integrate", false, "integrate new nodes into the existing graph")
	return cmd
}

func integrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrate <node-id>...",
		Short: "Relate the given nodes to the existing graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := engine.Integrate(cmd.Context(), projectID, caseID, args)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func clusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Group the project's argument nodes into labelled clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := engine.ClusterNodes(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			fmt.Printf("%d clusters (%s, modularity %.3f, %d singletons)\n",
				len(res.Clusters), res.Partitioner, res.Modularity, res.Singletons)
			for _, c := range res.Clusters {
				fmt.Printf("  %-40s %d nodes, conductance %.3f\n",
					c.Label, len(c.NodeIDs), c.Conductance)
			}
			return nil
		},
	}
}

func hierarchyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy",
		Short: "Build a new passage hierarchy snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := engine.BuildHierarchy(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			fmt.Printf("version %d: %d passages, %d topics, %d themes\n",
				res.Hierarchy.Version, res.Metadata.PassageCount,
				res.Metadata.TopicCount, res.Metadata.ThemeCount)
			printTree(res.Tree, 0)
			return nil
		},
	}
}

func diffCmd() *cobra.Command {
	var oldVersion, newVersion int
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare two hierarchy snapshot versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := engine.HierarchyDiff(cmd.Context(), projectID, oldVersion, newVersion)
			if err != nil {
				return err
			}
			if res.Empty() {
				fmt.Println("no structural changes")
				return nil
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&oldVersion, "old", 0, "old version (0 = current)")
	cmd.Flags().IntVar(&newVersion, "new", 0, "new version (0 = current)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph health counters for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := engine.Stats(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail jobs stuck without a heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := engine.SweepStaleJobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d stale job(s)\n", n)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTree(n *hierarchy.TreeNode, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	if n.ChunkCount > 0 && depth > 0 {
		fmt.Printf("%s- %s (%d passages, %.0f%%)\n", indent, n.Label, n.ChunkCount, n.CoveragePct)
	} else {
		fmt.Printf("%s- %s\n", indent, n.Label)
	}
	for _, c := range n.Children {
		printTree(c, depth+1)
	}
}
