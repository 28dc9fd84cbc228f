package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"itchgrab/lib/cliutil"
	"itchgrab/lib/configutil"
	"itchgrab/lib/notify"
	"itchgrab/lib/retryutil"
	"itchgrab/lib/scrapers/itchio"
	"itchgrab/lib/telemetry"
	"itchgrab/services/discovery"
	"itchgrab/services/salecache"
	"itchgrab/services/session"

	"github.com/spf13/cobra"
)

type Config struct {
	// cache root, one json file per discovered promotion
	Dir      string `json:"dir"`
	Username string `json:"username"`
	Password string `json:"password"`
	// 2fa secret or a fresh 6 digit code
	TOTP string `json:"totp"`
	// claim history database, a file path or a libsql:// url
	History   string           `json:"history"`
	Discovery discovery.Config `json:"discovery"`
	Retry     retryutil.Policy `json:"retry"`
	Notify    notify.Config    `json:"notify"`
}

var flagDir *string
var flagVerbose *bool
var flagLogin *string
var flagPassword *string
var flagTotp *string

var rootCmd = &cobra.Command{
	Use:   "itchgrab",
	Short: "itchgrab discovers free itch.io promotions and claims them into your library.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*flagVerbose)
	},
}

func init() {
	flagDir = rootCmd.PersistentFlags().String("dir", "", "The cache directory to keep discovered promotions in.")
	flagVerbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging.")
	flagLogin = rootCmd.PersistentFlags().String("login", "", "The itch.io username or email to log in with.")
	flagPassword = rootCmd.PersistentFlags().String("password", "", "The password for the itch.io account.")
	flagTotp = rootCmd.PersistentFlags().String("totp", "", "A 2fa code or the base32 2fa secret for the account.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers the optional itchgrab.json5 file under the command
// line flags. A missing config file just means defaults.
func loadConfig() Config {
	cfg, err := configutil.ReadConfig[Config]("itchgrab.json5")
	if err != nil && !os.IsNotExist(err) {
		cliutil.Fatal("failed to read config", err)
	}

	if *flagDir != "" {
		cfg.Dir = *flagDir
	}
	if cfg.Dir == "" {
		if base, err := os.UserCacheDir(); err == nil {
			cfg.Dir = filepath.Join(base, "itchgrab")
		} else {
			cfg.Dir = "data"
		}
	}
	if cfg.History == "" {
		cfg.History = filepath.Join(cfg.Dir, "claims.db")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retryutil.DefaultPolicy()
	}
	if cfg.Discovery.FrontierMisses == 0 {
		cfg.Discovery = discovery.DefaultConfig()
	}
	if cfg.Discovery.Retry.MaxAttempts == 0 {
		cfg.Discovery.Retry = cfg.Retry
	}
	return cfg
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// credentials resolves flags over environment over config file. Blanks are
// fine; the session manager falls back to its cached credentials.
func credentials(cfg Config) session.Credentials {
	creds := session.Credentials{
		Username: envOr("ITCH_USERNAME", cfg.Username),
		Password: envOr("ITCH_PASSWORD", cfg.Password),
		TOTP:     envOr("ITCH_TOTP", cfg.TOTP),
	}
	if *flagLogin != "" {
		creds.Username = *flagLogin
	}
	if *flagPassword != "" {
		creds.Password = *flagPassword
	}
	if *flagTotp != "" {
		creds.TOTP = *flagTotp
	}
	return creds
}

// The helpers below return errors instead of exiting so the scheduler can
// absorb a failed cycle. One-shot commands wrap them with cliutil.Fatal.

func openStore(cfg Config) (*salecache.Store, error) {
	store, err := salecache.Open(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open cache directory: %w", err)
	}
	return store, nil
}

func mustOpenStore(cfg Config) *salecache.Store {
	store, err := openStore(cfg)
	if err != nil {
		cliutil.Fatal("failed to open cache directory", err)
	}
	return store
}

func newClient(ctx context.Context) (*itchio.Client, error) {
	client, err := itchio.NewClient(ctx, itchio.ClientOptions{
		UserAgent: "itchgrab/" + Version,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize itch.io client: %w", err)
	}
	return client, nil
}

func mustNewClient(ctx context.Context) *itchio.Client {
	client, err := newClient(ctx)
	if err != nil {
		cliutil.Fatal("failed to initialize itch.io client", err)
	}
	return client
}

func login(ctx context.Context, cfg Config, client *itchio.Client) (*session.Manager, error) {
	manager := session.NewManager(client, cfg.Dir, cfg.Retry)
	if _, err := manager.Login(ctx, credentials(cfg)); err != nil {
		return nil, err
	}
	return manager, nil
}
