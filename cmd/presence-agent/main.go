package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/presencelink/agent/internal/authflow"
	"github.com/presencelink/agent/internal/config"
	"github.com/presencelink/agent/internal/logging"
	"github.com/presencelink/agent/internal/secmem"
	"github.com/presencelink/agent/internal/session"
	"github.com/presencelink/agent/internal/tokenstore"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	username  string
	headless  bool
)

var rootCmd = &cobra.Command{
	Use:   "presence-agent",
	Short: "Presencelink Agent",
	Long:  `Presencelink Agent - keeps a presence session signed on and reflects running applications as persona names`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store a session token",
	Run: func(cmd *cobra.Command, args []string) {
		login()
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored session token",
	Run: func(cmd *cobra.Command, args []string) {
		logout()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Presencelink Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check agent configuration and stored session",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/presencelink/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "presence service URL")
	rootCmd.PersistentFlags().StringVar(&username, "user", "", "account name")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "fail interactive challenges instead of prompting")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if username != "" {
		cfg.Username = username
	}
	if headless {
		cfg.Headless = true
	}
	return cfg
}

func runAgent() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
		os.Exit(1)
	}
	if cfg.Username == "" {
		fmt.Fprintln(os.Stderr, "Account name required. Use --user flag or set in config.")
		os.Exit(1)
	}

	fmt.Printf("Starting Presencelink Agent v%s\n", version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Account: %s\n", cfg.Username)

	deps := session.Deps{}
	if !cfg.Headless {
		deps.Challenge = &authflow.TerminalHandler{In: os.Stdin, Out: os.Stdout}
	}
	mgr := session.New(cfg, deps)

	go printEvents(mgr)

	if err := mgr.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	fmt.Println("\nShutting down agent...")
	if err := mgr.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}
}

func printEvents(mgr *session.Manager) {
	for ev := range mgr.Events() {
		switch ev.Kind {
		case session.EventStatus:
			fmt.Println(ev.Text)
		case session.EventPersona:
			fmt.Printf("Persona: %s\n", ev.Persona)
		case session.EventConnection:
			if ev.Connected {
				fmt.Println("Session online")
			} else {
				fmt.Println("Session offline")
			}
		case session.EventError:
			fmt.Fprintf(os.Stderr, "Error: %s\n", ev.Text)
		}
	}
}

func login() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	reader := bufio.NewReader(os.Stdin)
	if cfg.Username == "" {
		fmt.Print("Account name: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read account name: %v\n", err)
			os.Exit(1)
		}
		cfg.Username = strings.TrimSpace(line)
	}
	secretText := cfg.Secret
	if secretText == "" {
		fmt.Print("Secret: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read secret: %v\n", err)
			os.Exit(1)
		}
		secretText = strings.TrimSpace(line)
	}
	secret := secmem.New(secretText)
	defer secret.Zero()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Authenticating with %s\n", cfg.ServerURL)
	auth := authflow.New(cfg.ServerURL)
	token, err := auth.Authenticate(ctx, cfg.Username, secret, &authflow.TerminalHandler{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		os.Exit(1)
	}

	store := tokenstore.NewFileStore(config.Dir())
	if err := store.Save(tokenstore.Session{Username: cfg.Username, Token: token}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store session: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Login successful!")
	fmt.Println("Run 'presence-agent run' to start the agent.")
}

func logout() {
	store := tokenstore.NewFileStore(config.Dir())
	if !store.Has() {
		fmt.Println("No stored session.")
		return
	}
	if err := store.Delete(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to delete session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Stored session deleted.")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		return
	}

	store := tokenstore.NewFileStore(config.Dir())
	if store.Has() {
		fmt.Println("Status: Session stored")
	} else {
		fmt.Println("Status: Not logged in")
	}
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Account: %s\n", cfg.Username)
	fmt.Printf("Default persona: %s\n", cfg.DefaultPersona)
	fmt.Printf("Watched processes: %d\n", len(cfg.Personas))
}