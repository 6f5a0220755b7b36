// Package usermgmt provides user account management and authentication for
// sshcored.
//
// Features:
//   - Thread-safe user database with persistent storage (JSON file)
//   - Secure password hashing (bcrypt) and credential verification
//   - Per-user authorized public keys, checked without a signature for a
//     publickey probe and with one for a signed request
//   - A keyboard-interactive fallback that reuses the password check
//   - User account operations: add, remove, enable, disable, update password
//   - Backup and restore of user database
//   - Command-line interface (CLI) for interactive user management
//   - A Credentials adapter implementing internal/auth.CredentialSource
//
// Usage:
//  1. Create a UserDB with NewUserDB, or use Manager for CLI tools
//  2. Use AddUser, RemoveUser, UpdatePassword, EnableUser, DisableUser for account management
//  3. Wrap the UserDB in a Credentials and hand it to auth.NewServer
//  4. Use BackupDB to create backups of the user database
//  5. Run RunUserManagementCLI for an interactive management shell
package usermgmt
