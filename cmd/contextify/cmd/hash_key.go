package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/contextify/contextify/internal/domain/auth"
)

var hashKeyArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a key hash for an API key",
	Long: `Generate a hash of an API key for use in config.

The default output format is "sha256:<hex>" which can be directly used
in the auth.keys.key_hash field. With --argon2id the output is an
Argon2id PHC string, which is slower to verify but resistant to
brute-force if the config file leaks.

Example:
  contextify hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  contextify hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashKeyArgon2id {
			hash, err := auth.HashKeyArgon2id(key)
			if err != nil {
				return fmt.Errorf("hashing key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashKey(key))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2id, "argon2id", false, "Output an Argon2id PHC hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
