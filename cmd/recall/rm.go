package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/memory/source/sqlite"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a memory from the persistent store",
		Long:  "Delete one of a user's memories by id. Running servers drop it on the user's next load.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("user")
	rootCmd.AddCommand(cmd)
}

// deleter is a store that can remove single memories.
type deleter interface {
	Delete(ctx context.Context, userID, id string) error
}

func runRm(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	id := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	ctx := cmd.Context()

	emb, release, err := newEmbedder(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	st, err := openStore(ctx, cfg, emb.Dimensions())
	if err != nil {
		return err
	}
	defer st.Close()

	d, ok := st.(deleter)
	if !ok {
		return fmt.Errorf("store driver %q does not support rm", cfg.Store.Driver)
	}
	if err := d.Delete(ctx, user, id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("memory %s not found for user %s", id, user)
		}
		return err
	}
	logger.Info("memory deleted", "user_id", user, "id", id)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{"id": id, "user_id": user, "deleted": "true"})
}
