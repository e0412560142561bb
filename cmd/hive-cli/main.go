package main

// hive-cli is the operator's thin client over the node's HTTP API: live
// member listing, the pending governance-action queue, intents, bans and
// settlement status.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hivecore/pkg/utils"
)

func apiBase() string {
	return utils.EnvOrDefault("HIVE_API", "http://127.0.0.1:8350")
}

var httpClient = &http.Client{
	Timeout: time.Duration(utils.EnvOrDefaultInt("HIVE_API_TIMEOUT_SECONDS", 10)) * time.Second,
}

func apiGet(path string) error {
	resp, err := httpClient.Get(apiBase() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func apiPost(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := httpClient.Post(apiBase()+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List hive members with live contribution and uptime",
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiGet("/api/members")
		},
	}
}

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actions", Short: "Manage the pending governance-action queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List actions awaiting a decision",
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiGet("/api/actions")
		},
	})
	propose := &cobra.Command{
		Use:   "propose <action_type> <target>",
		Short: "Queue a new action for review",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiPost("/api/actions", map[string]string{
				"action_type": args[0],
				"target":      args[1],
			})
		},
	}
	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and execute a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiPost("/api/actions/"+args[0]+"/approve", nil)
		},
	}
	var rejectReason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiPost("/api/actions/"+args[0]+"/reject", map[string]string{"reason": rejectReason})
		},
	}
	reject.Flags().StringVar(&rejectReason, "reason", "", "why the action was rejected")
	cmd.AddCommand(propose, approve, reject)
	return cmd
}

func intentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intents",
		Short: "List pending intent locks",
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiGet("/api/intents")
		},
	}
}

func bansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List bans currently in force",
		RunE: func(_ *cobra.Command, _ []string) error {
			return apiGet("/api/bans")
		},
	}
}

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement <period>",
		Short: "Show a period's settlement proposal, votes and settled flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiGet("/api/settlement/" + args[0])
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "offer <peer_id> <lno1...>",
		Short: "Register a member's BOLT12 offer for settlement payments",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return apiPost("/api/settlement/offer", map[string]string{
				"peer_id":      args[0],
				"bolt12_offer": args[1],
			})
		},
	})
	return cmd
}

func main() {
	rootCmd := &cobra.Command{Use: "hive-cli", Short: "Operate a hive coordination node"}
	rootCmd.AddCommand(membersCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(intentsCmd())
	rootCmd.AddCommand(bansCmd())
	rootCmd.AddCommand(settlementCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
