package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/faroslabs/faros/internal/agent"
	"github.com/faroslabs/faros/internal/api"
	"github.com/faroslabs/faros/internal/auth"
	"github.com/faroslabs/faros/internal/command"
	"github.com/faroslabs/faros/internal/config"
	"github.com/faroslabs/faros/internal/events"
	"github.com/faroslabs/faros/internal/log"
	"github.com/faroslabs/faros/internal/storage"
	"github.com/faroslabs/faros/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "./config.yaml"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "agent":
		return runAgentNoun(args)
	case "token":
		if hasHelpFlag(args) {
			printTokenHelp()
			return 0
		}
		return runToken(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// --- NOUN DISPATCHERS ---

func runAgentNoun(args []string) int {
	if len(args) < 1 {
		printAgentNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAgentNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		if hasHelpFlag(actionArgs) {
			printAgentAddHelp()
			return 0
		}
		return runAgentAdd(actionArgs)
	case "revoke":
		if hasHelpFlag(actionArgs) {
			printAgentRevokeHelp()
			return 0
		}
		return runAgentRevoke(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printAgentListHelp()
			return 0
		}
		return runAgentList(actionArgs)
	case "help":
		printAgentNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("faros-server starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := command.New(db, cfg.TTL())
	registry := agent.NewRegistry(db)
	hub := events.NewHub(256)

	apiConfig := api.Config{
		Listen:         cfg.API.Listen,
		OperatorTokens: cfg.Auth.OperatorTokens,
		JWTSecret:      cfg.Auth.JWTSecret,
	}
	apiServer := api.New(apiConfig, store, registry, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("faros-server running (press Ctrl+C to stop)",
		"listen", cfg.API.Listen, "command_ttl", cfg.TTL().String())

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("faros-server stopped")
	return 0
}

func runAgentAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	robotType := fs.String("type", "", "Robot type label")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: faros-server agent add <name> [--type TYPE] [--config PATH]")
		return 1
	}
	name := strings.TrimSpace(fs.Arg(0))
	if name == "" {
		fmt.Fprintln(os.Stderr, "agent name is required")
		return 1
	}

	db, cleanup, code := openDatabase(*configPath)
	if code != 0 {
		return code
	}
	defer cleanup()

	registry := agent.NewRegistry(db)
	a, key, err := registry.Create(context.Background(), name, *robotType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create agent: %v\n", err)
		return 1
	}

	fmt.Printf("Agent created.\n")
	fmt.Printf("  id:   %s\n", a.ID)
	fmt.Printf("  name: %s\n", a.Name)
	fmt.Printf("  key:  %s\n", key)
	fmt.Println("Store the key now; it cannot be recovered later.")
	return 0
}

func runAgentRevoke(args []string) int {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: faros-server agent revoke <agent-id> [--config PATH]")
		return 1
	}
	agentID := strings.TrimSpace(fs.Arg(0))

	db, cleanup, code := openDatabase(*configPath)
	if code != 0 {
		return code
	}
	defer cleanup()

	registry := agent.NewRegistry(db)
	if _, err := registry.Get(context.Background(), agentID); err != nil {
		fmt.Fprintf(os.Stderr, "Unknown agent: %s\n", agentID)
		return 1
	}

	n, err := registry.RevokeKeys(context.Background(), agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to revoke keys: %v\n", err)
		return 1
	}
	fmt.Printf("Revoked %d key(s) for agent %s\n", n, agentID)
	return 0
}

func runAgentList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	db, cleanup, code := openDatabase(*configPath)
	if code != 0 {
		return code
	}
	defer cleanup()

	registry := agent.NewRegistry(db)
	agents, err := registry.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list agents: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return 0
	}
	for _, a := range agents {
		heartbeat := "never"
		if a.LastHeartbeat != nil {
			heartbeat = a.LastHeartbeat.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-20s  type=%-12s  heartbeat=%s\n", a.ID, a.Name, a.RobotType, heartbeat)
	}
	return 0
}

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	subject := fs.String("subject", "", "Token subject (operator identity)")
	name := fs.String("name", "", "Display name claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required.")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: auth.jwt_secret is not configured; cannot mint session tokens.")
		return 1
	}

	signer := &auth.Signer{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Service.Name,
		TTL:    *ttl,
	}
	token, err := signer.Sign(*subject, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8321", "Server API URL")
	token := fs.String("token", os.Getenv("FAROS_TOKEN"), "Operator Bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: operator token required. Use --token or FAROS_TOKEN env var.")
		return 1
	}

	m := watch.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// openDatabase loads config and opens the state database for CLI actions.
func openDatabase(configPath string) (db *sql.DB, cleanup func(), code int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, nil, 1
	}

	d, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return nil, nil, 1
	}
	return d, func() { _ = d.Close() }, 0
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("faros-server %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- HELP ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`faros-server - Command dispatch server for remote agents

Usage:
  faros-server <command> [flags]

Commands:
  serve             Run the dispatch server in the foreground
  agent add         Register an agent and issue its API key
  agent revoke      Revoke all API keys for an agent
  agent list        Show registered agents
  token             Mint an operator session token (JWT)
  watch             Real-time dispatch monitoring TUI
  version           Show version information
  help              Show this help message

Use 'faros-server <command> --help' for command-specific flags.
`)
}

func printAgentNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: faros-server agent <action> [flags]")
	fmt.Fprintln(w, "Actions: add, revoke, list")
}

func printServeHelp() {
	fmt.Println("Usage: faros-server serve [--config PATH]")
	fmt.Println("Run the dispatch server in the foreground.")
}

func printAgentAddHelp() {
	fmt.Println("Usage: faros-server agent add <name> [--type TYPE] [--config PATH]")
	fmt.Println("Register an agent and print its API key. The key is shown exactly once.")
}

func printAgentRevokeHelp() {
	fmt.Println("Usage: faros-server agent revoke <agent-id> [--config PATH]")
	fmt.Println("Permanently revoke every live API key for an agent.")
}

func printAgentListHelp() {
	fmt.Println("Usage: faros-server agent list [--config PATH] [--json]")
	fmt.Println("Show registered agents with their last heartbeat.")
}

func printTokenHelp() {
	fmt.Println("Usage: faros-server token --subject NAME [--name DISPLAY] [--ttl DURATION] [--config PATH]")
	fmt.Println("Mint an operator session token signed with auth.jwt_secret.")
}

func printWatchHelp() {
	fmt.Println("Usage: faros-server watch [flags]")
	fmt.Println()
	fmt.Println("Real-time dispatch monitoring TUI.")
	fmt.Println("Shows server health, registered agents, in-flight commands, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Server API URL (default: http://localhost:8321)")
	fmt.Println("  --token TOKEN    Operator Bearer token (or FAROS_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate agents")
}
