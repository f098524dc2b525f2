package auth

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/INLOpen/nexushistory/sys"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// UserRecord represents a single user's entry in the user file.
type UserRecord struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type userFile struct {
	Users []UserRecord `yaml:"users"`
}

// WriteUserFile writes users to path, replacing the file atomically.
func WriteUserFile(path string, users map[string]UserRecord) error {
	f := userFile{Users: make([]UserRecord, 0, len(users))}
	for _, u := range users {
		if err := validateRecord(u); err != nil {
			return err
		}
		f.Users = append(f.Users, u)
	}
	sort.Slice(f.Users, func(i, j int) bool { return f.Users[i].Username < f.Users[j].Username })
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to encode user file: %w", err)
	}
	if err := sys.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	return nil
}

// ReadUserFile reads the user file at path. A missing file yields no users.
func ReadUserFile(path string) (map[string]UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]UserRecord), nil
		}
		return nil, fmt.Errorf("failed to open user file: %w", err)
	}
	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse user file %s: %w", path, err)
	}
	users := make(map[string]UserRecord, len(f.Users))
	for i, u := range f.Users {
		if err := validateRecord(u); err != nil {
			return nil, fmt.Errorf("user record #%d: %w", i+1, err)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("user record #%d: duplicate username '%s'", i+1, u.Username)
		}
		users[u.Username] = u
	}
	return users, nil
}

func validateRecord(u UserRecord) error {
	if u.Username == "" {
		return errors.New("empty username")
	}
	if u.Role != RoleReader && u.Role != RoleWriter {
		return fmt.Errorf("user '%s' has unknown role '%s'", u.Username, u.Role)
	}
	return nil
}

// HashPassword generates a bcrypt hash for a password.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
