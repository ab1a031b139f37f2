package tools

import (
	"context"
	"fmt"
	"strings"

	"VoiceDesk/internal/issues"
)

// recentIssueLimit is how many tickets a general overview returns.
const recentIssueLimit = 3

// RegisterSupportTools adds the customer-support tools backed by the
// issue store.
func RegisterSupportTools(r *Registry, store *issues.Store) {
	r.Register(&Tool{
		Name: "register_customer_issue",
		Description: "Registers a new customer issue in the database. " +
			"Requires the customer's full name and a description of the issue. " +
			"Returns a confirmation message with the name and issue status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The customer's full name",
				},
				"issue": map[string]any{
					"type":        "string",
					"description": "Description of the customer's issue",
				},
			},
			"required": []string{"name", "issue"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			issue, _ := args["issue"].(string)
			if name == "" || issue == "" {
				return "", fmt.Errorf("name and issue are required")
			}

			if _, err := store.Register(ctx, name, issue); err != nil {
				// Storage failures become observations the model can
				// relay; the conversation must continue.
				return fmt.Sprintf("Error registering issue: %v", err), nil
			}
			return fmt.Sprintf("Issue registered successfully for %s. Issue description: '%s'. "+
				"You can now confirm to the user that their ticket has been created.", name, issue), nil
		},
	})

	r.Register(&Tool{
		Name: "get_customer_issues",
		Description: "Fetches the list of customer issues from the database. " +
			"If 'name' is provided, it fetches issues only for that customer. " +
			"If 'name' is omitted, it fetches the three most recent issues for a general overview.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Optional customer name to filter by",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)

			var (
				results []issues.Issue
				err     error
			)
			if name != "" {
				results, err = store.ByName(ctx, name)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return fmt.Sprintf("No issues found for customer: %s.", name), nil
				}
			} else {
				results, err = store.Recent(ctx, recentIssueLimit)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "No recent issues found in the database.", nil
				}
			}

			var b strings.Builder
			b.WriteString("--- Fetched Issues ---")
			for i, rec := range results {
				fmt.Fprintf(&b, "\nTicket %d. Customer: %s, Issue: %s", i+1, rec.Name, rec.Issue)
			}
			return b.String(), nil
		},
	})
}
