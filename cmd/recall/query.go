package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Rank a user's stored memories for a query",
		Long:  "Hydrate the user from the configured store, then print ranked results.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().IntP("limit", "n", 0, "Number of results (default: memory.default_k)")
	cmd.Flags().StringArray("turn", nil, "Conversation turn for the context boost (repeatable, oldest first)")
	cmd.Flags().Float64("min-score", 0, "Drop results scoring below this")
	cmd.Flags().Bool("no-expansion", false, "Skip query expansion")
	cmd.Flags().StringP("format", "f", "json", "Output format: json or text")
	cmd.MarkFlagRequired("user")
	rootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	turns, _ := cmd.Flags().GetStringArray("turn")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	noExpansion, _ := cmd.Flags().GetBool("no-expansion")
	format, _ := cmd.Flags().GetString("format")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	ctx := cmd.Context()

	eng, err := newEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := openStore(ctx, cfg, eng.embedder.Dimensions())
	if err != nil {
		return err
	}
	defer st.Close()

	res := eng.manager.LoadFromStore(ctx, user, st, memory.LoadOptions{})
	if res.Err != nil {
		return res.Err
	}
	<-res.Done
	logger.Debug("hydrated", "user_id", user, "loaded", res.Loaded, "elapsed", res.Elapsed)

	for _, t := range turns {
		if err := eng.manager.PushTurn(user, t); err != nil {
			return err
		}
	}

	results, err := eng.manager.Retrieve(ctx, user, strings.Join(args, " "), limit, memory.RetrieveOptions{
		DisableExpansion: noExpansion,
		MinScore:         minScore,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "text" {
		_, err := fmt.Fprint(out, memory.Format(results))
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
