package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Add or replace a user in the user file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		username, _ := cmd.Flags().GetString("username")
		role, _ := cmd.Flags().GetString("role")
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		return addUser(file, username, role, password)
	},
}

func init() {
	hashPasswordCmd.Flags().String("file", "users.yaml", "Path to the user file")
	hashPasswordCmd.Flags().String("username", "", "User to add or update")
	hashPasswordCmd.Flags().String("role", auth.RoleReader, "Role of the user ('reader' or 'writer')")
	_ = hashPasswordCmd.MarkFlagRequired("username")
}

// readPassword prompts twice on a terminal, otherwise reads one line from stdin.
func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	out := cmd.ErrOrStderr()
	fmt.Fprint(out, "Enter password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(out, "Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if string(pw) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	return string(pw), nil
}

func addUser(file, username, role, password string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if role != auth.RoleReader && role != auth.RoleWriter {
		return fmt.Errorf("role must be either '%s' or '%s'", auth.RoleReader, auth.RoleWriter)
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	users, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	users[username] = auth.UserRecord{Username: username, PasswordHash: hash, Role: role}
	return auth.WriteUserFile(file, users)
}
