package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// call runs one request over the HTTP call path.
func (o *globalOptions) call(ctx context.Context, action bridge.Action, payload, out any) error {
	base, err := o.baseURL()
	if err != nil {
		return err
	}
	return bridge.Call(ctx, o.httpClient(), base, action, payload, out)
}

func newCategoriesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List and edit categories",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Show every category with its item count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res bridge.CategoriesResult
			if err := opts.call(cmd.Context(), bridge.ActionGetCategories, nil, &res); err != nil {
				return err
			}
			return printCategories(cmd.OutOrStdout(), res.Categories, asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print the categories as JSON")

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.call(cmd.Context(), bridge.ActionAddCategory, bridge.CategoryPayload{CategoryName: args[0]}, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "added %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a category",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.call(cmd.Context(), bridge.ActionDeleteCategory, bridge.CategoryPayload{CategoryName: args[0]}, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Drop cached state and reload from the remote document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res bridge.CategoriesResult
			if err := opts.call(cmd.Context(), bridge.ActionReloadCategories, nil, &res); err != nil {
				return err
			}
			return printCategories(cmd.OutOrStdout(), res.Categories, asJSON)
		},
	}
	reload.Flags().BoolVar(&asJSON, "json", false, "print the categories as JSON")

	cmd.AddCommand(list, add, del, reload)
	return cmd
}

func printCategories(w io.Writer, cats []categories.Category, asJSON bool) error {
	if asJSON {
		if cats == nil {
			cats = []categories.Category{}
		}
		return printJSON(w, cats)
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	for _, c := range cats {
		tbl.AddRow(c.Name, len(c.Items))
	}
	_, err := fmt.Fprintln(w, tbl)
	return err
}

func newItemCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect and change the categories of one item",
	}
	get := &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show the categories an item belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res bridge.ItemCategoriesResult
			if err := opts.call(cmd.Context(), bridge.ActionGetItemCategories, bridge.ItemPayload{ItemID: args[0]}, &res); err != nil {
				return err
			}
			for _, name := range res.Categories {
				printf(cmd.OutOrStdout(), "%s\n", name)
			}
			return nil
		},
	}
	membership := func(use, short string, present bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <item-id> <category>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload := bridge.UpdateItemCategoryPayload{ItemID: args[0], CategoryName: args[1], Present: present}
				return opts.call(cmd.Context(), bridge.ActionUpdateItemCategory, payload, nil)
			},
		}
	}
	cmd.AddCommand(get,
		membership("set", "Add an item to a category", true),
		membership("unset", "Remove an item from a category", false),
	)
	return cmd
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the current categories to the remote document now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res bridge.SyncResult
			if err := opts.call(cmd.Context(), bridge.ActionTriggerRemoteSync, nil, &res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Message)
			}
			printf(cmd.OutOrStdout(), "%s (gist %s)\n", res.Message, res.DocumentID)
			return nil
		},
	}
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored access token",
	}
	set := &cobra.Command{
		Use:   "set [token|-]",
		Short: "Store a token; reads stdin when the argument is - or missing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 && args[0] != "-" {
				token = args[0]
			} else {
				read, err := readToken(cmd)
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = read
			}
			token = strings.TrimSpace(token)
			return opts.call(cmd.Context(), bridge.ActionStoreToken, bridge.TokenPayload{Token: token}, nil)
		},
	}
	var reveal bool
	get := &cobra.Command{
		Use:   "get",
		Short: "Report whether a token is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res bridge.TokenResult
			if err := opts.call(cmd.Context(), bridge.ActionGetToken, nil, &res); err != nil {
				return err
			}
			switch {
			case !res.HasToken:
				printf(cmd.OutOrStdout(), "no token\n")
			case reveal:
				printf(cmd.OutOrStdout(), "%s\n", res.Token)
			default:
				printf(cmd.OutOrStdout(), "%s\n", maskToken(res.Token))
			}
			return nil
		},
	}
	get.Flags().BoolVar(&reveal, "reveal", false, "print the full token")
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the token from every tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd.Context(), bridge.ActionClearToken, nil, nil)
		},
	}
	cmd.AddCommand(set, get, clearCmd)
	return cmd
}

// readToken reads one line from stdin without echo when stdin is a terminal.
func readToken(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		printf(cmd.ErrOrStderr(), "token: ")
		secret, err := term.ReadPassword(int(f.Fd()))
		printf(cmd.ErrOrStderr(), "\n")
		return string(secret), err
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return line, nil
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

func newOpenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <item-id>",
		Short: "Ask connected UI surfaces to show the category picker for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := bridge.OpenCategoryUIPayload{Item: categories.ItemRef{ID: args[0]}}
			var res bridge.OpenCategoryUIResult
			if err := opts.call(cmd.Context(), bridge.ActionOpenCategoryUI, payload, &res); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "notified %d surface(s)\n", res.Notified)
			return nil
		},
	}
}

// newPendingCmd connects as a surface so that the coordinator can drop the
// buffered item once this command disconnects.
func newPendingCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Fetch the item waiting for the category picker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.baseURL()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			client, err := bridge.Dial(ctx, bridge.ClientOptions{BaseURL: base, Kind: bridge.KindPopup})
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var res bridge.PendingItemResult
			if err := client.Request(ctx, bridge.ActionGetPendingItem, nil, &res); err != nil {
				return err
			}
			if res.Item == nil {
				printf(cmd.OutOrStdout(), "none\n")
				return nil
			}
			printf(cmd.OutOrStdout(), "%s\n", res.Item.ID)
			return nil
		},
	}
}
