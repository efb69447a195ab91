package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Write a memory to the persistent store",
		Long:  "Embed a memory and write it to the configured store. Text can be a positional arg or piped via stdin.",
		RunE:  runAdd,
	}
	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().String("category", "general", "Category: goal, relationship, plan, preference, interest, experience, fact, opinion, general")
	cmd.Flags().StringP("key", "k", "", "Upsert key; replaces the memory with the same user, category and key")
	cmd.Flags().Bool("explicit", false, "The user asked for this to be remembered")
	cmd.Flags().Bool("important", false, "Mark as important")
	cmd.Flags().Bool("emotional", false, "Mark as emotionally significant")
	cmd.MarkFlagRequired("user")
	rootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	category, _ := cmd.Flags().GetString("category")
	key, _ := cmd.Flags().GetString("key")
	explicit, _ := cmd.Flags().GetBool("explicit")
	important, _ := cmd.Flags().GetBool("important")
	emotional, _ := cmd.Flags().GetBool("emotional")

	text := strings.Join(args, " ")
	if text == "" {
		stat, _ := os.Stdin.Stat()
		if stat.Mode()&os.ModeCharDevice == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text = string(b)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text is required (positional arg or stdin)")
	}

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

	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	id, err := st.Put(ctx, user, memory.StoredMemory{
		Category:  memory.ParseCategory(category).String(),
		Text:      text,
		Embedding: vec,
		Metadata: memory.Metadata{
			ExplicitSave: explicit,
			Important:    important,
			Emotional:    emotional,
			Key:          key,
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{"id": id, "user_id": user})
}
