package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"earcrawler/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect RBAC grants and test access decisions (C8)",
}

func newPolicyEngine() (*policy.Engine, error) {
	ledger, err := openAuditLedger()
	if err != nil {
		return nil, err
	}
	return policy.New(policy.DefaultGrants(), ledger)
}

var policyWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the roles the current actor holds, per EARCRAWLER_ROLES",
	RunE: func(cmd *cobra.Command, args []string) error {
		actor := os.Getenv("EARCRAWLER_ACTOR")
		if actor == "" {
			actor = "anonymous"
		}
		roleNames := strings.Split(os.Getenv("EARCRAWLER_ROLES"), ",")
		var roles []string
		for _, r := range roleNames {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if _, err := policy.ParseRole(r); err != nil {
				return err
			}
			roles = append(roles, r)
		}
		fmt.Printf("actor=%s roles=%v\n", actor, roles)
		return nil
	},
}

var policyTestCmd = &cobra.Command{
	Use:   "test [command]",
	Short: "Test whether the current actor's roles permit running a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor := os.Getenv("EARCRAWLER_ACTOR")
		if actor == "" {
			actor = "anonymous"
		}
		var roles []policy.Role
		for _, r := range strings.Split(os.Getenv("EARCRAWLER_ROLES"), ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			role, err := policy.ParseRole(r)
			if err != nil {
				return err
			}
			roles = append(roles, role)
		}

		eng, err := newPolicyEngine()
		if err != nil {
			return err
		}

		decision, err := eng.Decide(cmd.Context(), policy.Request{Actor: actor, Roles: roles, Command: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("allow=%v reason=%s\n", decision.Allow, decision.Reason)
		if !decision.Allow {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyWhoamiCmd, policyTestCmd)
}
