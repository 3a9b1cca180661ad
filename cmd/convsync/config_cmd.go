package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the convsync profile",
	Long:  "View or modify the profile stored in ~/.convsync/profile.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := profilePath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No profile found. Run 'convsync login' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read profile: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile value",
	Long:  "Set a profile value using dot notation.\nExample: convsync config set remote.base_url https://sync.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		profile, err := loadProfile()
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if err := setProfileValue(profile, key, value); err != nil {
			return err
		}
		if err := saveProfile(profile); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
