package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/icebox-go/icebox/pkg/backend"
	_ "github.com/icebox-go/icebox/pkg/backend/folder"
	_ "github.com/icebox-go/icebox/pkg/backend/s3"
	_ "github.com/icebox-go/icebox/pkg/backend/vault"
	"github.com/icebox-go/icebox/pkg/box"
	"github.com/icebox-go/icebox/pkg/logging"
	"github.com/icebox-go/icebox/pkg/sealing"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:           "icebox",
		Short:         "Store encrypted copies of files in cold storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	// Interrupting a long retrieval poll is safe: the persisted job record
	// lets a later invocation resume the same backend jobs.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("icebox")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "icebox"))
		}
	}
	viper.SetEnvPrefix("ICEBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")
	rootCmd.PersistentFlags().String("base-dir", "", "base directory for boxes and keys (default: user config dir)")
	rootCmd.PersistentFlags().Duration("poll-interval", time.Minute, "sleep between retrieval status polls")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	bindConfig("base_dir", rootCmd.PersistentFlags().Lookup("base-dir"))
	bindConfig("poll_interval", rootCmd.PersistentFlags().Lookup("poll-interval"))
	bindConfig("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initCommands() {
	rootCmd.AddCommand(
		newInitCmd(),
		newKeygenCmd(),
		newPutCmd(),
		newGetCmd(),
		newRmCmd(),
		newLsCmd(),
		newExistsCmd(),
	)
}

func baseDir() (string, error) {
	if dir := viper.GetString("base_dir"); dir != "" {
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	return filepath.Join(dir, "icebox"), nil
}

func keyring() (*sealing.Keyring, error) {
	base, err := baseDir()
	if err != nil {
		return nil, err
	}
	return sealing.NewKeyring(filepath.Join(base, "keys")), nil
}

func openBox(name string) (*box.Box, error) {
	if strings.ContainsAny(name, "/\\") || name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid box name %q", name)
	}
	base, err := baseDir()
	if err != nil {
		return nil, err
	}
	ring, err := keyring()
	if err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return box.New(filepath.Join(base, name), box.Options{
		Sealer:       sealing.NewAEAD(ring),
		Logger:       logger,
		PollInterval: viper.GetDuration("poll_interval"),
	})
}

func initBox(cmd *cobra.Command, name, keyID string, cfg box.Config) error {
	ring, err := keyring()
	if err != nil {
		return err
	}
	if !ring.Exists(keyID) {
		return fmt.Errorf("unknown key ID %q (create one with: icebox keygen %s)", keyID, keyID)
	}
	b, err := openBox(name)
	if err != nil {
		return err
	}
	cfg.KeyID = keyID
	if err := b.Init(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("box initialization failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s box %q.\n", cfg.Backend, name)
	return nil
}

func newInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new box",
	}

	folderCmd := &cobra.Command{
		Use:   "folder <box> <key-id> <folder-path>",
		Short: "Create a box backed by a local directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[2])
			if err != nil {
				return err
			}
			return initBox(cmd, args[0], args[1], box.Config{
				Backend: "folder",
				Params:  map[string]string{"folder-path": path},
			})
		},
	}

	vaultCmd := &cobra.Command{
		Use:   "vault <box> <key-id> <vault-path>",
		Short: "Create a box backed by a local archive with delayed retrieval",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[2])
			if err != nil {
				return err
			}
			params := map[string]string{"vault-path": path}
			if delay, _ := cmd.Flags().GetDuration("retrieval-delay"); delay > 0 {
				params["retrieval-delay"] = delay.String()
			}
			return initBox(cmd, args[0], args[1], box.Config{Backend: "vault", Params: params})
		},
	}
	vaultCmd.Flags().Duration("retrieval-delay", 0, "simulated archival retrieval latency")

	s3Cmd := &cobra.Command{
		Use:   "s3 <box> <key-id> <bucket>",
		Short: "Create a box backed by an S3 archival bucket",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]string{"bucket": args[2]}
			for _, name := range []string{"region", "endpoint", "storage-class", "restore-days", "access-key", "secret-key", "session-token"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					params[name] = v
				}
			}
			if pathStyle, _ := cmd.Flags().GetBool("path-style"); pathStyle {
				params["path-style"] = "true"
			}
			return initBox(cmd, args[0], args[1], box.Config{Backend: "s3", Params: params})
		},
	}
	s3Cmd.Flags().String("region", "", "bucket region")
	s3Cmd.Flags().String("endpoint", "", "S3-compatible endpoint URL")
	s3Cmd.Flags().String("storage-class", "", "storage class for uploads (default DEEP_ARCHIVE)")
	s3Cmd.Flags().String("restore-days", "", "days restored objects stay readable")
	s3Cmd.Flags().String("access-key", "", "static access key (default: ambient credentials)")
	s3Cmd.Flags().String("secret-key", "", "static secret key")
	s3Cmd.Flags().String("session-token", "", "static session token")
	s3Cmd.Flags().Bool("path-style", false, "use path-style bucket addressing")

	initCmd.AddCommand(folderCmd, vaultCmd, s3Cmd)
	return initCmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <key-id>",
		Short: "Generate a new sealing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := keyring()
			if err != nil {
				return err
			}
			if err := ring.Generate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated key %q.\n", args[0])
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <box> <file>",
		Short: "Store a file in a box",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBox(args[0])
			if err != nil {
				return err
			}
			return b.Store(cmd.Context(), args[1])
		},
	}
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <box> <source> [dest]",
		Short: "Retrieve a source from a box",
		Long: "Retrieve a source from a box. For archival backends this may poll for\n" +
			"hours; interrupting is safe, a later get resumes the same retrieval jobs.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBox(args[0])
			if err != nil {
				return err
			}
			dest := args[1]
			if len(args) == 3 {
				dest = args[2]
			}
			opts := backend.Options{}
			if tier, _ := cmd.Flags().GetString("tier"); tier != "" {
				opts["tier"] = tier
			}
			kvs, _ := cmd.Flags().GetStringToString("backend-option")
			for k, v := range kvs {
				opts[k] = v
			}
			return b.Retrieve(cmd.Context(), args[1], dest, opts)
		},
	}
	cmd.Flags().String("tier", "", "restore tier for archival backends (Standard|Bulk|Expedited)")
	cmd.Flags().StringToString("backend-option", nil, "extra backend retrieval options (key=value)")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <box> <source>",
		Short: "Delete a source from a box",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBox(args[0])
			if err != nil {
				return err
			}
			return b.Delete(cmd.Context(), args[1])
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <box>",
		Short: "List the sources in a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBox(args[0])
			if err != nil {
				return err
			}
			sources, err := b.Sources()
			if err != nil {
				return err
			}
			for _, source := range sources {
				fmt.Fprintln(cmd.OutOrStdout(), source.Name)
			}
			return nil
		},
	}
}

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <box> <source>",
		Short: "Check whether a source exists in a box",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBox(args[0])
			if err != nil {
				return err
			}
			if !b.Contains(args[1]) {
				return fmt.Errorf("source %q not found in box %q", args[1], args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[1])
			return nil
		},
	}
}
