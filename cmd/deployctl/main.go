package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/dumcel/deployer/pkg/api/client"
	jwtpkg "github.com/dumcel/deployer/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBase = "http://localhost:4000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "project":
		err = commandProject(args)
	case "deploy":
		err = commandDeploy(args)
	case "logs":
		err = commandLogs(args)
	case "status":
		err = commandStatus(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	token := fs.String("token", "", "Bearer token (prompted when omitted)")
	fs.Parse(args)

	secret, err := flagOrPrompt(*token, "Token: ")
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("a token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	cfg.AccessToken = secret

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListProjects(ctx, cfg.AccessToken); err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return errors.New("token rejected by the API")
		}
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier to embed as subject")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret shared with the API (prompted when omitted)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	save := fs.Bool("save", false, "Store the token as the active login")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	key, err := flagOrPrompt(*secret, "Signing secret: ")
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("a signing secret is required")
	}
	token, err := jwtpkg.GenerateToken(strings.TrimSpace(*user), key, *ttl)
	if err != nil {
		return err
	}
	if *save {
		cfg, _ := loadConfig()
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Println(token)
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl project [list|create|show]")
	}
	switch args[0] {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "show":
		return projectShow(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	fs.Parse(args)

	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Name, p.SubDomain, p.GitURL)
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	gitURL := fs.String("git-url", "", "Repository URL")
	subDomain := fs.String("subdomain", "", "Subdomain (generated when omitted)")
	install := fs.String("install", "", "Optional install command")
	build := fs.String("build", "", "Optional build command")
	port := fs.Int("port", 0, "Port the application listens on")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*gitURL) == "" {
		return errors.New("--git-url is required")
	}

	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, cfg.AccessToken, apiclient.CreateProjectInput{
		Name:           *name,
		GitURL:         *gitURL,
		SubDomain:      *subDomain,
		InstallCommand: *install,
		BuildCommand:   *build,
		OutputPort:     *port,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s) subdomain=%s\n", project.ID, project.Name, project.SubDomain)
	return nil
}

func projectShow(args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetProject(ctx, cfg.AccessToken, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("id:         %s\nname:       %s\ngit url:    %s\nsubdomain:  %s\n", p.ID, p.Name, p.GitURL, p.SubDomain)
	if p.LatestDeploymentID != "" {
		fmt.Printf("deployment: %s (%s)\n", p.LatestDeploymentID, p.State)
	}
	if p.LiveURL != "" {
		fmt.Printf("live url:   %s\n", p.LiveURL)
	}

	deployments, err := client.ListDeployments(ctx, cfg.AccessToken, p.ID, 5)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		fmt.Printf("  %s\t%s\t%s\n", d.ID, d.State, d.UpdatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	follow := fs.Bool("follow", false, "Stream build logs until the deployment finishes")
	interval := fs.Duration("interval", defaultPollInterval, "Log polling interval")
	maxEmpty := fs.Int("max-empty", defaultMaxEmpty, "Stop following after this many empty polls")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.Deploy(ctx, cfg.AccessToken, *projectID)
	if err != nil {
		if errors.Is(err, apiclient.ErrConflict) {
			return fmt.Errorf("a deployment is already in progress for this project: %w", err)
		}
		return err
	}
	fmt.Printf("deployment queued: %s state=%s\n", dep.ID, dep.State)
	if !*follow {
		return nil
	}
	return followLogs(client, cfg, dep.ID, *interval, *maxEmpty)
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	interval := fs.Duration("interval", defaultPollInterval, "Log polling interval")
	maxEmpty := fs.Int("max-empty", defaultMaxEmpty, "Stop after this many empty polls")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	return followLogs(client, cfg, *deploymentID, *interval, *maxEmpty)
}

func followLogs(client *apiclient.Client, cfg cliConfig, deploymentID string, interval time.Duration, maxEmpty int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxEmpty <= 0 {
		maxEmpty = defaultMaxEmpty
	}
	f := &follower{
		fetch:        client,
		token:        cfg.AccessToken,
		deploymentID: deploymentID,
		interval:     interval,
		maxEmpty:     maxEmpty,
		out:          os.Stdout,
		color:        term.IsTerminal(int(os.Stdout.Fd())),
		sleep:        sleepContext,
	}
	switch f.run(ctx) {
	case outcomeFailed:
		return errors.New("deployment failed")
	case outcomeFetchError:
		return errors.New("log stream interrupted")
	case outcomeIdle:
		fmt.Println("no new logs; check `deployctl status` for the final state")
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := client.GetDeployment(ctx, cfg.AccessToken, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", d.ID, d.State, d.UpdatedAt.Local().Format(time.RFC3339))
	if d.Message != "" {
		fmt.Println(d.Message)
	}
	if d.URL != "" {
		fmt.Println(d.URL)
	}
	return nil
}

func authedClient() (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, cliConfig{}, errors.New("please login first using 'deployctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return client, cfg, nil
}

func flagOrPrompt(value, prompt string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl login [--api http://localhost:4000] [--token T]
	deployctl token --user <id> [--secret S] [--ttl 24h] [--save]
	deployctl project list
	deployctl project create --name <name> --git-url <url> [--subdomain s] [--install cmd] [--build cmd] [--port N]
	deployctl project show --project <project-id>
	deployctl deploy --project <project-id> [--follow] [--interval 3s] [--max-empty 5]
	deployctl logs --deployment <deployment-id> [--interval 3s] [--max-empty 5]
	deployctl status --deployment <deployment-id>
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
