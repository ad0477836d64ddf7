package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newsdigest/internal/archive"
	"github.com/TobiSchelling/newsdigest/internal/compose"
	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/server"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", what, s)
	}
	return id, nil
}

// parseHours reads "7,19" into two delivery hours.
func parseHours(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("hours must be two comma-separated values, got %q", s)
	}
	var hours [2]int
	for i, p := range parts {
		h, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || h < 0 || h > 23 {
			return 0, 0, fmt.Errorf("hour %q must be within 0-23", p)
		}
		hours[i] = h
	}
	return hours[0], hours[1], nil
}

// lookupUser accepts a numeric ID or a username.
func lookupUser(ctx context.Context, db *database.DB, ref string) (*database.User, error) {
	var (
		u   *database.User
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		u, err = db.GetUser(ctx, id)
	} else {
		u, err = db.GetUserByUsername(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found", ref)
	}
	return u, nil
}

// notifyServer asks a running serve process to reload the user's schedule.
func notifyServer(ctx context.Context, userID int64) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	url := fmt.Sprintf("http://%s/api/users/%d/reconcile", addr, userID)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not notify server: %v\n", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not notify server at %s: %v\n", addr, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server rejected reconcile: %s\n", resp.Status)
		return
	}
	fmt.Println("Running scheduler updated.")
}

// --- users command ---

var (
	userEmail    string
	userTimezone string
	userHours    string
	userNotify   bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users and their delivery schedule",
}

var usersAddCmd = &cobra.Command{
	Use:   "add [username]",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, err := time.LoadLocation(userTimezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", userTimezone, err)
		}
		h1, h2, err := parseHours(userHours)
		if err != nil {
			return err
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		u := &database.User{
			Username:   args[0],
			Email:      userEmail,
			Timezone:   userTimezone,
			DailyHour1: h1,
			DailyHour2: h2,
			IsActive:   true,
		}
		id, err := db.CreateUser(ctx, u)
		if err != nil {
			return err
		}
		fmt.Printf("Added user [%d]: %s (%s, daily at %02d:00 and %02d:00)\n", id, u.Username, u.Timezone, h1, h2)
		if userNotify {
			notifyServer(ctx, id)
		}
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		users, err := db.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users defined. Add one with: newsdigest users add")
			return nil
		}

		for _, u := range users {
			icon := " "
			if u.IsActive {
				icon = "*"
			}
			fmt.Printf("  [%d] %s %-16s %-20s %02d:00, %02d:00\n", u.ID, icon, u.Username, u.Timezone, u.DailyHour1, u.DailyHour2)
		}
		return nil
	},
}

var usersSetCmd = &cobra.Command{
	Use:   "set [user]",
	Short: "Change a user's timezone or daily hours",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(ctx, db, args[0])
		if err != nil {
			return err
		}

		tz, h1, h2 := u.Timezone, u.DailyHour1, u.DailyHour2
		if cmd.Flags().Changed("timezone") {
			if _, err := time.LoadLocation(userTimezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", userTimezone, err)
			}
			tz = userTimezone
		}
		if cmd.Flags().Changed("hours") {
			if h1, h2, err = parseHours(userHours); err != nil {
				return err
			}
		}

		if err := db.UpdateUserSchedule(ctx, u.ID, tz, h1, h2); err != nil {
			return err
		}
		fmt.Printf("User [%d] %s: %s, daily at %02d:00 and %02d:00\n", u.ID, u.Username, tz, h1, h2)
		if userNotify {
			notifyServer(ctx, u.ID)
		}
		return nil
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [user]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			u, err := lookupUser(ctx, db, args[0])
			if err != nil {
				return err
			}
			if err := db.SetUserActive(ctx, u.ID, active); err != nil {
				return err
			}
			state := "deactivated"
			if active {
				state = "activated"
			}
			fmt.Printf("User [%d] %s %s\n", u.ID, u.Username, state)
			if userNotify {
				notifyServer(ctx, u.ID)
			}
			return nil
		},
	}
}

func init() {
	usersAddCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	for _, c := range []*cobra.Command{usersAddCmd, usersSetCmd} {
		c.Flags().StringVar(&userTimezone, "timezone", "UTC", "IANA timezone, e.g. Europe/Berlin")
		c.Flags().StringVar(&userHours, "hours", "8,18", "Two daily delivery hours, e.g. 7,19")
	}

	activate := setActiveCmd("activate", "Resume a user's schedule", true)
	deactivate := setActiveCmd("deactivate", "Stop generating digests for a user", false)
	for _, c := range []*cobra.Command{usersAddCmd, usersSetCmd, activate, deactivate} {
		c.Flags().BoolVar(&userNotify, "notify", false, "Ask a running 'newsdigest serve' to reload the schedule")
	}

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersSetCmd)
	usersCmd.AddCommand(activate)
	usersCmd.AddCommand(deactivate)
}

// --- prompts command ---

var (
	promptTemplate   string
	promptCustom     string
	promptVisibility string
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage digest prompts",
}

var promptsAddCmd = &cobra.Command{
	Use:   "add [user] [name] [content]",
	Short: "Add a prompt for a user",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tt, err := compose.ParseTemplateType(promptTemplate)
		if err != nil {
			return err
		}
		if promptCustom != "" {
			if err := compose.ValidateTemplate(promptCustom); err != nil {
				return err
			}
		}
		switch promptVisibility {
		case database.VisibilityPublic, database.VisibilityInternal, database.VisibilityPrivate:
		default:
			return fmt.Errorf("visibility must be public, internal or private")
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(ctx, db, args[0])
		if err != nil {
			return err
		}
		p := &database.Prompt{
			UserID:         u.ID,
			Name:           args[1],
			Content:        args[2],
			TemplateType:   string(tt),
			CustomTemplate: promptCustom,
			Visibility:     promptVisibility,
		}
		id, err := db.CreatePrompt(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("Added prompt [%d] for %s: %s\n", id, u.Username, p.Name)
		return nil
	},
}

var promptsListCmd = &cobra.Command{
	Use:   "list [user]",
	Short: "List a user's prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(ctx, db, args[0])
		if err != nil {
			return err
		}
		prompts, err := db.ListPromptsForUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			fmt.Printf("No prompts for %s. Add one with: newsdigest prompts add\n", u.Username)
			return nil
		}

		for _, p := range prompts {
			fmt.Printf("  [%d] %s (%s, %s)\n", p.ID, p.Name, p.TemplateType, p.Visibility)
			content := p.Content
			if len(content) > 60 {
				content = content[:60] + "..."
			}
			fmt.Printf("        %s\n", content)
		}
		return nil
	},
}

var promptsRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a prompt and its digests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0], "prompt")
		if err != nil {
			return err
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := db.GetPrompt(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("prompt %d not found", id)
		}
		if err := db.DeletePrompt(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Removed prompt [%d]: %s\n", id, p.Name)
		return nil
	},
}

func init() {
	promptsAddCmd.Flags().StringVar(&promptTemplate, "template", string(compose.Summary), "Template type: summary, analysis, bullet_points, narrative")
	promptsAddCmd.Flags().StringVar(&promptCustom, "custom-template", "", "Custom template with {prompt}, {time_window}, {cadence}, {timezone}, {date}")
	promptsAddCmd.Flags().StringVar(&promptVisibility, "visibility", database.VisibilityPrivate, "public, internal or private")

	promptsCmd.AddCommand(promptsAddCmd)
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsRemoveCmd)
}

// --- digests command ---

var (
	digestPrompt int64
	digestLimit  int
	digestHTML   bool
)

var digestsCmd = &cobra.Command{
	Use:   "digests",
	Short: "Read generated digests",
}

var digestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent digests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		digests, err := db.ListDigests(ctx, database.DigestFilter{PromptID: digestPrompt, Limit: digestLimit})
		if err != nil {
			return err
		}
		if len(digests) == 0 {
			fmt.Println("No digests yet.")
			return nil
		}
		for _, d := range digests {
			fmt.Printf("  [%d] %s  (%s / %s)\n", d.ID, d.Title, d.Username, d.PromptName)
		}
		return nil
	},
}

var digestsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a digest as Markdown or HTML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0], "digest")
		if err != nil {
			return err
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		d, err := db.GetDigest(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("digest %d not found", id)
		}

		doc := archive.Render(d)
		if digestHTML {
			fmt.Println(server.RenderMarkdown(string(doc)))
			return nil
		}
		fmt.Print(string(doc))
		return nil
	},
}

func init() {
	digestsListCmd.Flags().Int64Var(&digestPrompt, "prompt", 0, "Only digests of this prompt")
	digestsListCmd.Flags().IntVar(&digestLimit, "limit", 20, "Maximum number of digests")
	digestsShowCmd.Flags().BoolVar(&digestHTML, "html", false, "Render as HTML")

	digestsCmd.AddCommand(digestsListCmd)
	digestsCmd.AddCommand(digestsShowCmd)
}
