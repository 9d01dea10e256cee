package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/pkg/types"
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Browse the asset inventory",
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered assets",
	RunE:  runAssetsList,
}

var assetsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an asset with its ports, technologies, and vulnerabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsShow,
}

func init() {
	assetsListCmd.Flags().String("org", "", "Filter by organization ID")
	assetsListCmd.Flags().String("type", "", "Filter by asset type (DOMAIN, IP_ADDRESS, WEB_APP, CERTIFICATE, CODE_REPO)")
	assetsListCmd.Flags().String("status", "", "Filter by status (ACTIVE, INACTIVE, ARCHIVED)")
	assetsListCmd.Flags().String("search", "", "Substring match on asset value")
	assetsListCmd.Flags().Int("limit", 50, "Maximum rows to return")

	assetsCmd.AddCommand(assetsListCmd, assetsShowCmd)
	rootCmd.AddCommand(assetsCmd)
}

func runAssetsList(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	filter := core.AssetFilter{}
	filter.OrganizationID, _ = cmd.Flags().GetString("org")
	filter.Search, _ = cmd.Flags().GetString("search")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if t, _ := cmd.Flags().GetString("type"); t != "" {
		filter.AssetType = types.AssetType(strings.ToUpper(t))
	}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		filter.Status = types.AssetStatus(strings.ToUpper(s))
	}

	assets, err := store.ListAssets(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list assets: %w", err)
	}
	if len(assets) == 0 {
		color.Yellow("No assets found")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-8s  %-19s  %s\n", "ID", "TYPE", "STATUS", "LAST SEEN", "VALUE")
	for _, asset := range assets {
		fmt.Printf("%-36s  %-12s  %-8s  %-19s  %s\n",
			asset.ID, asset.AssetType, asset.Status,
			asset.LastSeen.Format("2006-01-02 15:04:05"), asset.Value)
	}
	return nil
}

func runAssetsShow(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	asset, err := store.GetAsset(ctx, args[0])
	if err != nil {
		return fmt.Errorf("asset %s: %w", args[0], err)
	}

	fmt.Printf("ID:           %s\n", asset.ID)
	fmt.Printf("Organization: %s\n", asset.OrganizationID)
	fmt.Printf("Type:         %s\n", asset.AssetType)
	fmt.Printf("Value:        %s\n", asset.Value)
	fmt.Printf("Status:       %s\n", asset.Status)
	fmt.Printf("First seen:   %s\n", asset.FirstSeen.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last seen:    %s\n", asset.LastSeen.Format("2006-01-02 15:04:05"))

	if len(asset.Attributes) > 0 {
		fmt.Println("Attributes:")
		keys := make([]string, 0, len(asset.Attributes))
		for k := range asset.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, asset.Attributes[k])
		}
	}

	ports, err := store.ListPorts(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) > 0 {
		fmt.Println("\nPorts:")
		for _, p := range ports {
			line := fmt.Sprintf("  %5d/%s  %-8s  %s", p.PortNumber, strings.ToLower(string(p.Protocol)), p.Status, p.ServiceName)
			fmt.Println(strings.TrimRight(line, " "))
		}
	}

	techs, err := store.ListTechnologies(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("failed to list technologies: %w", err)
	}
	if len(techs) > 0 {
		fmt.Println("\nTechnologies:")
		for _, t := range techs {
			name := t.Name
			if t.Version != "" {
				name += " " + t.Version
			}
			if t.Category != "" {
				name += " (" + t.Category + ")"
			}
			fmt.Printf("  %s\n", name)
		}
	}

	vulns, err := store.ListVulnerabilities(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	if len(vulns) > 0 {
		fmt.Println("\nVulnerabilities:")
		for _, v := range vulns {
			c := severityColor(v.Severity)
			label := v.Title
			if v.CVEID != "" {
				label = v.CVEID + " " + label
			}
			c.Printf("  [%s] %s (%s)\n", v.Severity, label, v.Status)
		}
	}

	return nil
}

func severityColor(sev types.Severity) *color.Color {
	switch sev {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case types.SeverityHigh:
		return color.New(color.FgRed)
	case types.SeverityMedium:
		return color.New(color.FgYellow)
	case types.SeverityLow:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgWhite)
	}
}
