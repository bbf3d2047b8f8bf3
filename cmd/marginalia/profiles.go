package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

func (app *cli) newProfilesCommand() *cobra.Command {
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage commenter profiles",
	}
	profilesCmd.AddCommand(app.newProfilesListCommand(), app.newProfilesAddCommand())
	return profilesCmd
}

func (app *cli) newProfilesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List commenter profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := app.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			rt, err := openRuntime(cmd.Context(), appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tNAME\tCOLOR\tACTIVE")
			active := rt.bridge.ActiveProfile(cmd.Context())
			for _, profile := range rt.bridge.Profiles() {
				marker := ""
				if profile.ID == active {
					marker = "*"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", profile.ID, profile.Name, profile.Color, marker)
			}
			return writer.Flush()
		},
	}
}

func (app *cli) newProfilesAddCommand() *cobra.Command {
	var (
		id    string
		name  string
		color string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a commenter profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := app.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			rt, err := openRuntime(cmd.Context(), appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			profile := annotations.CommenterProfile{
				ID:    annotations.ProfileID(id),
				Name:  name,
				Color: color,
			}
			if err := rt.bridge.SetupProfile(cmd.Context(), profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s stored in %s\n", profile.ID, describeBackend(appConfig))
			return nil
		},
	}
	addCmd.Flags().StringVar(&id, "id", "", "Profile id")
	addCmd.Flags().StringVar(&name, "name", "", "Display name")
	addCmd.Flags().StringVar(&color, "color", "", "Highlight color as #RRGGBB")
	_ = addCmd.MarkFlagRequired("id")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("color")
	return addCmd
}
