package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"browserd/internal/store"

	"github.com/spf13/cobra"
)

var (
	profileOwner string
	profileJSON  bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and delete stored storage profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's profiles",
	Args:  cobra.NoArgs,
	RunE:  profileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show [profile-id]",
	Short: "Show one profile's metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  profileShow,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete [profile-id]",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  profileDelete,
}

func init() {
	profileCmd.PersistentFlags().StringVar(&profileOwner, "owner", "cli", "Profile owner")
	profileCmd.PersistentFlags().BoolVar(&profileJSON, "json", false, "Print JSON")

	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileDeleteCmd)
}

func openProfiles() (*store.Profiles, error) {
	return store.OpenProfiles(cfg.Storage.DatabasePath)
}

func profileList(cmd *cobra.Command, args []string) error {
	profiles, err := openProfiles()
	if err != nil {
		return err
	}
	defer profiles.Close()

	list, err := profiles.List(cmd.Context(), profileOwner)
	if err != nil {
		return err
	}
	if profileJSON {
		return printJSON(cmd, list)
	}
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No profiles for %q in %s\n", profileOwner, profiles.Path())
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tSTORED\tDOMAINS\tUPDATED")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", p.ID, p.Size, p.StoredSize, domainsLabel(p.Domains), p.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func profileShow(cmd *cobra.Command, args []string) error {
	profiles, err := openProfiles()
	if err != nil {
		return err
	}
	defer profiles.Close()

	meta, err := profiles.Get(cmd.Context(), profileOwner, args[0])
	if err != nil {
		return err
	}
	if profileJSON {
		return printJSON(cmd, meta)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile:  %s\n", meta.ID)
	fmt.Fprintf(out, "Owner:    %s\n", meta.Owner)
	fmt.Fprintf(out, "Size:     %d bytes (%d stored)\n", meta.Size, meta.StoredSize)
	fmt.Fprintf(out, "Checksum: sha256:%s\n", meta.Checksum)
	fmt.Fprintf(out, "Domains:  %s\n", domainsLabel(meta.Domains))
	fmt.Fprintf(out, "Created:  %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:  %s\n", meta.UpdatedAt.Format(time.RFC3339))
	return nil
}

func profileDelete(cmd *cobra.Command, args []string) error {
	profiles, err := openProfiles()
	if err != nil {
		return err
	}
	defer profiles.Close()

	if err := profiles.Delete(cmd.Context(), profileOwner, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
	return nil
}

func domainsLabel(domains []string) string {
	if len(domains) == 0 {
		return "*"
	}
	return strings.Join(domains, ",")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
