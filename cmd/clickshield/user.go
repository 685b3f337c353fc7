package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yaat/clickshield/internal/auth"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
	Long:  `Commands for managing dashboard users.`,
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	RunE:  runUserCreate,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE:  runUserList,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete [email]",
	Short: "Delete a user by email",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

var (
	userRole string
)

func init() {
	userCreateCmd.Flags().StringVarP(&userRole, "role", "r", auth.RoleViewer, "User role (admin or viewer)")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDeleteCmd)
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	if !auth.ValidRole(userRole) {
		return errors.New("role must be 'admin' or 'viewer'")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("invalid email address")
	}

	if _, err := db.UserByEmail(cmd.Context(), email); err == nil {
		return errors.New("a user with this email already exists")
	} else if !errors.Is(err, auth.ErrUserNotFound) {
		return err
	}

	fmt.Print("Name (optional): ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	password, err := readPassword("Password (min 8 characters): ")
	if err != nil {
		return err
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := &auth.User{Email: email, PasswordHash: hash, Name: name, Role: userRole}
	if err := db.CreateUser(cmd.Context(), user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("User created successfully: %s (%s)\n", email, userRole)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := db.ListUsers(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tCREATED")
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID[:8], u.Email, name, u.Role, time.UnixMilli(u.CreatedAt).Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d user(s)\n", len(users))
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	email := args[0]

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	user, err := db.UserByEmail(cmd.Context(), email)
	if err != nil {
		return fmt.Errorf("user not found: %s", email)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("Are you sure you want to delete user '%s' (%s, %s)? [y/N]: ", email, user.Name, user.Role)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))

	if response != "y" && response != "yes" {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := db.DeleteUser(cmd.Context(), user.ID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	fmt.Printf("User deleted: %s\n", email)
	return nil
}
