package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"clipvault/internal/auth"
	"clipvault/internal/store"
)

// userView is the printable shape of an account. The store row carries
// the password hash, which never leaves the process.
type userView struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	UsedBytes int64  `json:"usedBytes"`
	CreatedAt string `json:"createdAt"`
}

// NewUserCommand returns the "user" command with all subcommands wired in.
func NewUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.PersistentFlags().String("db", "", "sqlite database path (default: CLIPVAULT_DB_PATH)")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	cmd.AddCommand(
		newUserListCmd(),
		newUserAddCmd(),
	)
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.ListUsers(context.Background())
			if err != nil {
				return err
			}
			views := make([]userView, 0, len(users))
			for _, u := range users {
				views = append(views, userView{
					ID:        u.ID,
					Email:     u.Email,
					Role:      u.Role,
					UsedBytes: u.UsedBytes,
					CreatedAt: u.CreatedAt.Format(time.RFC3339),
				})
			}
			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(views)
			}
			var rows [][]string
			for _, v := range views {
				rows = append(rows, []string{
					strconv.FormatInt(v.ID, 10), v.Email, v.Role,
					strconv.FormatInt(v.UsedBytes, 10), v.CreatedAt,
				})
			}
			p.table([]string{"ID", "EMAIL", "ROLE", "USED BYTES", "CREATED"}, rows)
			return nil
		},
	}
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")

			email = strings.ToLower(strings.TrimSpace(email))
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address %q", email)
			}
			if role != store.RoleUser && role != store.RoleAdmin {
				return fmt.Errorf("role must be %q or %q", store.RoleUser, store.RoleAdmin)
			}
			if utf8.RuneCountInString(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.CreateUser(context.Background(), email, hash, role)
			if err != nil {
				return err
			}
			fmt.Printf("Added user %q (id %d) with role %s\n", u.Email, u.ID, u.Role)
			return nil
		},
	}
	cmd.Flags().String("email", "", "email address (required)")
	cmd.Flags().String("password", "", "password (required)")
	cmd.Flags().String("role", "user", "role: admin or user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
