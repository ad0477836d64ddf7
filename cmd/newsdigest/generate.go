package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
	"github.com/TobiSchelling/newsdigest/internal/compose"
	"github.com/TobiSchelling/newsdigest/internal/pipeline"
)

var (
	dryRun      bool
	genCadence  string
	showPrompts bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt-id]",
	Short: "Generate one digest now: fetch -> filter -> generate -> store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		promptID, err := parseID(args[0], "prompt")
		if err != nil {
			return err
		}
		c, err := cadence.Parse(genCadence)
		if err != nil {
			return err
		}

		comp, err := buildComponents(ctx, !dryRun)
		if err != nil {
			return err
		}
		defer comp.db.Close()

		req := pipeline.Request{PromptID: promptID, Cadence: c}

		if dryRun {
			plan, err := comp.pipe.Prepare(ctx, req)
			if err != nil {
				return err
			}
			if plan == nil {
				fmt.Println("Nothing to generate (unknown prompt, digest exists, or no new content in window).")
				return nil
			}
			fmt.Printf("Prompt [%d] %s for %s (%s)\n", plan.Prompt.ID, plan.Prompt.Name, plan.User.Username, plan.Location)
			fmt.Printf("Window: %s, %d entries\n", c.Label(), len(plan.Items))
			fmt.Printf("Estimated tokens: %d\n", compose.EstimateTokens(plan.Instructions, cfg.Generation.MaxTokens))
			if plan.Instructions.TemplateErr != nil {
				fmt.Printf("Custom template rejected: %v\n", plan.Instructions.TemplateErr)
			}
			if showPrompts {
				fmt.Println("\n--- system ---")
				fmt.Println(plan.Instructions.System)
				fmt.Println("\n--- user ---")
				fmt.Println(plan.Instructions.User)
			}
			return nil
		}

		d, err := comp.pipe.Run(ctx, req)
		if err != nil {
			return err
		}
		if d == nil {
			fmt.Println("Nothing generated (unknown prompt, digest exists, or no new content in window).")
			return nil
		}
		fmt.Printf("Stored digest [%d]: %s (%d sources)\n", d.ID, d.Title, len(d.Sources))
		if requests, tokens := comp.client.Budget().Usage(); requests > 0 {
			fmt.Printf("Budget used: %d requests, %d tokens\n", requests, tokens)
		}
		return nil
	},
}

func init() {
	names := make([]string, 0, len(cadence.All()))
	for _, c := range cadence.All() {
		names = append(names, string(c))
	}
	generateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be generated without calling the provider")
	generateCmd.Flags().StringVar(&genCadence, "cadence", string(cadence.Daily), "Cadence window: "+strings.Join(names, ", "))
	generateCmd.Flags().BoolVar(&showPrompts, "show-prompts", false, "With --dry-run, print the composed instructions")
}
