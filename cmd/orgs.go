package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/edgescope/edgescope/pkg/types"
)

var orgsCmd = &cobra.Command{
	Use:   "orgs",
	Short: "Manage organizations",
}

var orgsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		org := types.NewOrganization(args[0], domain)
		if err := store.CreateOrganization(GetContext(), org); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
		color.Green("Organization created")
		fmt.Printf("  ID:     %s\n", org.ID)
		fmt.Printf("  Name:   %s\n", org.Name)
		if org.Domain != "" {
			fmt.Printf("  Domain: %s\n", org.Domain)
		}
		return nil
	},
}

var orgsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List organizations",
	RunE: func(cmd *cobra.Command, args []string) error {
		orgs, err := store.ListOrganizations(GetContext(), types.DefaultPagination())
		if err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
		if len(orgs) == 0 {
			color.Yellow("No organizations found")
			return nil
		}
		fmt.Printf("%-36s  %-30s  %s\n", "ID", "NAME", "DOMAIN")
		for _, org := range orgs {
			fmt.Printf("%-36s  %-30s  %s\n", org.ID, org.Name, org.Domain)
		}
		return nil
	},
}

func init() {
	orgsCreateCmd.Flags().String("domain", "", "Primary domain for the organization")
	orgsCmd.AddCommand(orgsCreateCmd, orgsListCmd)
	rootCmd.AddCommand(orgsCmd)
}
