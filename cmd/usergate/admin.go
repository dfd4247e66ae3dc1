package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

func newBootstrapAdminCmd(root *rootOptions) *cobra.Command {
	var email, password, fullName string
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create the admin role and a first admin user",
		Long: `bootstrap-admin ensures the configured admin role exists with every
capability, then creates a user holding it. The password is read from
--password or USERGATE_ADMIN_PASSWORD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("USERGATE_ADMIN_PASSWORD")
			}
			if password == "" {
				return errors.New("a password is required")
			}
			logger, err := obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			mailer, err := newMailer(cfg, logger)
			if err != nil {
				return err
			}
			admin, err := auth.NewAdmin(st.main, nil, auth.WithAdminMailer(mailer), auth.WithAdminLogger(logger))
			if err != nil {
				return err
			}
			all := []auth.Capability{auth.CapReadUser, auth.CapWriteUser, auth.CapReadRole, auth.CapWriteRole}
			if _, err := admin.CreateRole(ctx, cfg.Auth.AdminRole, all); err != nil && !errors.Is(err, auth.ErrConflict) {
				return fmt.Errorf("create role %s: %w", cfg.Auth.AdminRole, err)
			}
			user, err := admin.CreateUser(ctx, auth.NewUser{
				Email:    email,
				Password: password,
				FullName: fullName,
				RoleName: cfg.Auth.AdminRole,
			})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			logger.Info("admin bootstrapped", zap.String("user_id", user.ID), zap.String("role", cfg.Auth.AdminRole))
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with role %s\n", user.Email, user.ID, cfg.Auth.AdminRole)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email address")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().StringVar(&fullName, "name", "Administrator", "admin display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var legacy bool
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the stored hash for a password",
		Long:  "hash-password hashes its argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password is empty")
			}

			var (
				hash string
				err  error
			)
			if legacy {
				hash, err = auth.HashBcrypt(password)
			} else {
				hash, err = auth.NewArgon2Hasher().Hash(password)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&legacy, "bcrypt", false, "emit a bcrypt hash instead of argon2id")
	return cmd
}
