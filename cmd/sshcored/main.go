// Package main is the entry point for sshcored, a standalone SSH
// server built on internal/sshcore.
//
// Usage:
//
//	sshcored                          # start the server
//	sshcored host-key                 # generate/print the host key fingerprint
//	sshcored user-mgmt                # interactive user management shell
//	sshcored add-user <user> <pass>   # add a user
//	sshcored add-key <user> <keyfile> # authorize a public key for a user
//	sshcored help                     # show usage
package main

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"sshcore/internal/config"
	"sshcore/internal/sshserver"
	"sshcore/internal/usermgmt"
	"sshcore/internal/wire"
	"sshcore/pkg/hostkeys"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "user-mgmt", "users", "manage-users":
			um := newUserManager()
			um.RunUserManagementCLI()
			return

		case "add-user":
			if len(os.Args) != 4 {
				fmt.Println("Usage: sshcored add-user <username> <password>")
				os.Exit(1)
			}
			um := newUserManager()
			if err := um.AddUserDirect(os.Args[2], os.Args[3]); err != nil {
				fmt.Printf("Error adding user: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("User '%s' added successfully!\n", os.Args[2])
			return

		case "remove-user":
			if len(os.Args) != 3 {
				fmt.Println("Usage: sshcored remove-user <username>")
				os.Exit(1)
			}
			um := newUserManager()
			if err := um.RemoveUser(os.Args[2]); err != nil {
				fmt.Printf("Error removing user: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("User '%s' removed successfully!\n", os.Args[2])
			return

		case "list-users":
			newUserManager().ListUsers()
			return

		case "add-key":
			if len(os.Args) != 4 {
				fmt.Println("Usage: sshcored add-key <username> <authorized-key-file>")
				os.Exit(1)
			}
			if err := addAuthorizedKey(os.Args[2], os.Args[3]); err != nil {
				fmt.Printf("Error adding key: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Key added for user '%s'!\n", os.Args[2])
			return

		case "host-key":
			if err := printHostKeyFingerprint(); err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			return

		case "version":
			fmt.Println("sshcored 1.0.0")
			return

		case "help", "-h", "--help":
			printUsage()
			return

		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	serve()
}

func newUserManager() *usermgmt.Manager {
	dbPath, err := config.GetUserDBPath()
	if err != nil {
		fmt.Printf("Warning: could not resolve user database path, using default: %v\n", err)
		dbPath = ""
	}
	return usermgmt.NewManager(dbPath)
}

// addAuthorizedKey parses a single "algorithm base64-blob [comment]"
// line, the same format an authorized_keys file uses, and records the
// decoded blob for username.
func addAuthorizedKey(username, keyFile string) error {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) < 2 {
		return fmt.Errorf("malformed authorized key line in %s", keyFile)
	}
	raw, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return fmt.Errorf("decoding key blob: %w", err)
	}

	dbPath, err := config.GetUserDBPath()
	if err != nil {
		return err
	}
	db := usermgmt.NewUserDB(dbPath)
	return db.AddAuthorizedKey(username, raw)
}

func printHostKeyFingerprint() error {
	keyPath, err := config.GetHostKeyPath()
	if err != nil {
		return err
	}
	key, err := hostkeys.GenerateOrLoad(keyPath)
	if err != nil {
		return err
	}
	blob := key.PublicKeyBlob()
	sum := sha256.Sum256(blob)
	fmt.Printf("%s %s (%s)\n", key.Algorithm(), base64.StdEncoding.EncodeToString(sum[:]), keyPath)

	r := wire.NewReader(blob)
	name, _ := r.String()
	fmt.Printf("public key: %s %s\n", name, base64.StdEncoding.EncodeToString(blob))
	return nil
}

func serve() {
	keyPath, err := config.GetHostKeyPath()
	if err != nil {
		fmt.Printf("Failed to resolve host key path: %v\n", err)
		os.Exit(1)
	}
	hostKey, err := hostkeys.GenerateOrLoad(keyPath)
	if err != nil {
		fmt.Printf("Failed to generate/load host key: %v\n", err)
		os.Exit(1)
	}

	um := newUserManager()
	if err := um.CreateDefaultUserFromEnv(); err != nil {
		fmt.Printf("Warning: failed to create default user from environment variables: %v\n", err)
	}
	creds := usermgmt.NewCredentials(um.GetUserDB())

	srv := sshserver.NewServer(sshserver.DefaultListenAddress, sshserver.DefaultListenPort, hostKey, creds)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("sshcored: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("sshcored - a standalone SSH server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sshcored                          - Start the server")
	fmt.Println("  sshcored host-key                 - Generate/print the host key fingerprint")
	fmt.Println("  sshcored user-mgmt                - Interactive user management")
	fmt.Println("  sshcored add-user <user> <pass>   - Add a user")
	fmt.Println("  sshcored add-key <user> <keyfile> - Authorize a public key for a user")
	fmt.Println("  sshcored remove-user <user>       - Remove a user")
	fmt.Println("  sshcored list-users               - List all users")
	fmt.Println("  sshcored version                  - Show version")
	fmt.Println("  sshcored help                      - Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  sshcored add-user alice mypassword")
	fmt.Println("  sshcored add-key alice ~/.ssh/id_ed25519.pub")
}
