package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dropwatch/internal/keystore"
	"dropwatch/internal/logger"
)

var version = "dev"

const (
	exitOK         = 0
	exitCredential = 1
	exitProvider   = 2
	exitConfig     = 3
)

// errKeystore marks failures to obtain the vault key.
var errKeystore = errors.New("key store")

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dropwatch",
		Short: "Watch a product page and buy the moment it becomes available",
		Long: `Watch a product page and buy the moment it becomes available.

Examples:
  echo -n 'hunter2' | dropwatch encrypt-password
  dropwatch check --url https://www.amazon.com/dp/B0EXAMPLE
  dropwatch run --stealth-mode --interval 45`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ConfigError{Field: "flags", Reason: err.Error()}
	})

	root.PersistentFlags().String("config", "config.yaml", "path to the configuration file")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentFlags().String("log-file", "", "also write logs to this rotated file")

	root.AddCommand(newRunCmd(), newCheckCmd(), newEncryptPasswordCmd(), newClearSessionCmd())
	return root
}

// exitCode maps the outcome of a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var (
		cfgErr   *ConfigError
		fatalErr *FatalError
		decErr   *DecryptionError
	)
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &fatalErr):
		switch fatalErr.Kind {
		case FailureDecryption, FailureLogin, FailureSessionExpired:
			return exitCredential
		}
		return exitProvider
	case errors.As(err, &decErr), errors.Is(err, errKeystore):
		return exitCredential
	}
	return exitProvider
}

// session is what every subcommand starts from.
type session struct {
	cfg *Config
	log logger.Logger
}

func (s *session) Close() {
	s.log.Close()
}

// setup loads the config, applies command-line overrides and opens the
// logger tagged with a fresh run id.
func setup(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(path)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ConfigError{Field: "config", Reason: err.Error()}
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	log := logger.New(logger.Options{
		Verbose: cfg.Verbose,
		File:    cfg.LogFile,
		Console: cmd.ErrOrStderr(),
	})
	log = log.With("run", uuid.NewString()[:8])
	log.Debug("config loaded", "path", path)
	return &session{cfg: cfg, log: log}, nil
}

// openVault loads the key from the OS keyring, the key file in key_dir, or a
// passphrase in DROPWATCH_PASSPHRASE.
func openVault(cfg *Config, log logger.Logger) (*Vault, error) {
	key, store, err := keystore.Open(keystore.Options{
		Dir:        cfg.KeyDir,
		Passphrase: []byte(os.Getenv("DROPWATCH_PASSPHRASE")),
		Service:    "dropwatch",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeystore, err)
	}
	defer wipe(key)

	log.Debug("vault key loaded", "source", store.Name())
	return NewVault(key)
}
