package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/psi-gfa/opsagent/core/credentials"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored credentials",
	Long: `Stores the logbook password and provider API keys in an encrypted
file. Known keys:

  ` + strings.Join(knownCredentialKeys, "\n  "),
}

var knownCredentialKeys = []string{
	credentials.KeyELOGPassword,
	credentials.KeyOpenAIAPIKey,
	credentials.KeyAnthropicAPIKey,
	credentials.KeyGeminiAPIKey,
}

var authSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret, prompting for its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.credentials()
		if err != nil {
			return err
		}

		secret, err := promptSecret(fmt.Sprintf("value for %s: ", args[0]))
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("empty secret, nothing stored")
		}

		if err := store.Set(args[0], secret); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", args[0])
		return nil
	},
}

var authGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.credentials()
		if err != nil {
			return err
		}

		secret, err := store.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.credentials()
		if err != nil {
			return err
		}

		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no credentials stored")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var authDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.credentials()
		if err != nil {
			return err
		}

		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

// promptSecret reads a secret without echoing when stdin is a
// terminal, falling back to a plain line read for piped input.
func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	authCmd.AddCommand(authSetCmd, authGetCmd, authListCmd, authDeleteCmd)
	rootCmd.AddCommand(authCmd)
}
