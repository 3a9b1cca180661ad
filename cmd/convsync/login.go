package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"convsync/internal/config"
	"convsync/pkg/jwt"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func init() {
	loginCmd.Flags().String("token", "", "bearer token for the hosted conversation API")
	loginCmd.Flags().Bool("drive", false, "authorize Google Drive")
	loginCmd.Flags().String("user", "", "user id to store conversations under (required with --drive)")
	devTokenCmd.Flags().String("user", "", "user id to issue the token for")
	devTokenCmd.Flags().Duration("ttl", 0, "token lifetime (default JWT_EXPIRATION)")
	devTokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(loginCmd, logoutCmd, devTokenCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the hosted API or Google Drive",
	Long: "Sign in and resume syncing. With --token the user id is read from the token.\n" +
		"With --drive an authorization URL is printed and the code it returns is exchanged.",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		useDrive, _ := cmd.Flags().GetBool("drive")
		userID, _ := cmd.Flags().GetString("user")

		profile, err := loadProfile()
		if err != nil {
			return err
		}

		switch {
		case useDrive:
			if userID == "" {
				return fmt.Errorf("--user is required with --drive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := profile.apply(cfg); err != nil {
				return err
			}
			tok, err := authorizeDrive(cmd.Context(), driveOAuthConfig(cfg))
			if err != nil {
				return err
			}
			profile.setDriveToken(tok)
			profile.Remote.Backend = config.RemoteDrive
			profile.Identity.UserID = userID

		case token != "":
			claims, err := jwt.Inspect(token)
			if err != nil {
				return err
			}
			profile.Remote.Token = token
			profile.Remote.TokenExpires = ""
			if claims.ExpiresAt != nil {
				profile.Remote.TokenExpires = claims.ExpiresAt.UTC().Format(time.RFC3339)
			}
			profile.Remote.Backend = config.RemoteHTTP
			profile.Identity.UserID = claims.UserID

		default:
			return fmt.Errorf("pass --token <jwt> or --drive")
		}

		if err := saveProfile(profile); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s (%s).\n", profile.Identity.UserID, profile.Remote.Backend)

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.orch.ResumeSync(ctx); err != nil {
				return err
			}
			if err := a.orch.Reconcile(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Initial sync failed (%v); run 'convsync sync' to retry.\n", err)
			}
			return nil
		})
	},
}

func authorizeDrive(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID is required for the drive backend")
	}
	url := cfg.AuthCodeURL("convsync", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Open this URL in a browser and paste the code below:\n\n  %s\n\nCode: ", url)

	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("cannot read authorization code: %w", err)
	}
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}
	return tok, nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget credentials; the local cache is kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		profile.Identity.UserID = ""
		profile.Remote.Token = ""
		profile.Remote.TokenExpires = ""
		profile.Drive = ProfileDrive{}
		if err := saveProfile(profile); err != nil {
			return err
		}
		fmt.Println("Signed out. Conversations stay in the local cache.")
		return nil
	},
}

var devTokenCmd = &cobra.Command{
	Use:   "dev-token",
	Short: "Issue an API token signed with JWT_SECRET, for a local server",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = cfg.JWT.Expiration
		}
		token, err := jwt.GenerateToken(userID, ttl, cfg.JWT.Secret)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
