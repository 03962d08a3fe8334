package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/ci/azdo"
	"github.com/izavyalov-dev/triage-ci/internal/observability"
	"github.com/izavyalov-dev/triage-ci/internal/storage"
	"github.com/izavyalov-dev/triage-ci/internal/vcs/github"
	"github.com/izavyalov-dev/triage-ci/merge"
	"github.com/izavyalov-dev/triage-ci/orchestrator"
	"github.com/izavyalov-dev/triage-ci/repoconfig"
	"github.com/izavyalov-dev/triage-ci/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: triage serve [flags]")
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	listen := flags.String("listen", ":8080", "Listen address")
	notificationSecret := flags.String("notification-secret", os.Getenv("NOTIFICATION_SECRET"), "HMAC secret for the notification ingress")

	azdoURL := flags.String("azdo-url", "https://dev.azure.com", "Azure DevOps base URL")
	azdoToken := flags.String("azdo-token", os.Getenv("AZDO_TOKEN"), "Azure DevOps personal access token")

	githubToken := flags.String("github-token", os.Getenv("GITHUB_TOKEN"), "GitHub token (alternative to app credentials)")
	githubAppID := flags.String("github-app-id", os.Getenv("GITHUB_APP_ID"), "GitHub App id")
	githubInstallation := flags.String("github-installation-id", os.Getenv("GITHUB_INSTALLATION_ID"), "GitHub App installation id")
	githubKeyFile := flags.String("github-app-key-file", os.Getenv("GITHUB_APP_KEY_FILE"), "Path to the GitHub App private key PEM")

	infraRepo := flags.String("infra-repo", "", "owner/name repository holding infrastructure known issues")
	checkName := flags.String("check-name", "build-triage", "Name of the published check run")
	repoMapping := flags.String("repo-mapping", os.Getenv("REPO_MAPPING"), "Comma-separated project/repo=owner/name pairs for internal repositories")

	s3Bucket := flags.String("s3-bucket", os.Getenv("S3_BUCKET"), "S3 bucket for snapshots and state")
	s3Prefix := flags.String("s3-prefix", "", "S3 key prefix")
	s3Region := flags.String("s3-region", "", "S3 region")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}
	if *notificationSecret == "" {
		return errors.New("notification-secret or NOTIFICATION_SECRET required")
	}
	if *infraRepo == "" || !strings.Contains(*infraRepo, "/") {
		return errors.New("infra-repo must be owner/name")
	}

	ctx := context.Background()
	db, err := openDB(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	blobs, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket: *s3Bucket,
		Prefix: *s3Prefix,
		Region: *s3Region,
	})
	if err != nil {
		return err
	}

	data, err := azdo.NewClient(azdo.Config{BaseURL: *azdoURL, Token: *azdoToken})
	if err != nil {
		return err
	}

	hub, err := newGitHubClient(*githubToken, *githubAppID, *githubInstallation, *githubKeyFile)
	if err != nil {
		return err
	}

	infraOwner, infraName, _ := strings.Cut(*infraRepo, "/")
	issues := github.NewIssueCatalog(hub, infraOwner, infraName)
	policies := repoconfig.NewFileSource(hub, observability.NewLogger("repoconfig"))
	mapper := azdo.NewStaticMapper(strings.Split(*repoMapping, ","))
	metrics := observability.NewMetrics(nil)

	cache := analysis.NewResultCache(blobs, observability.NewLogger("analysis.cache"))
	analyzer := analysis.NewAnalyzer(data, issues, mapper, cache, observability.NewLogger("analysis"), analysis.Options{})

	states := merge.NewBlobStateStore(blobs)
	aggregator := merge.NewAggregator(analyzer, data, issues, states, policies, observability.NewLogger("merge"))

	publisher := github.NewPublisher(hub, observability.NewLogger("github.publisher"), *checkName)
	insightsPublisher := github.NewPublisher(hub, observability.NewLogger("github.insights"), "queue-insights")

	service := orchestrator.NewService(orchestrator.Deps{
		Data:      data,
		Merger:    aggregator,
		Store:     store,
		Blobs:     blobs,
		Publisher: publisher,
		Policies:  policies,
		Mapper:    mapper,
		Insights:  orchestrator.NewQueueInsights(data, insightsPublisher),
		Metrics:   metrics,
		Logger:    observability.NewLogger("orchestrator"),
	})

	handler := orchestrator.NewHTTPHandler(service, *notificationSecret, observability.NewLogger("orchestrator.http"))
	server := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func newGitHubClient(token, appID, installationID, keyFile string) (*github.Client, error) {
	if appID != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read github app key: %w", err)
		}
		tokens, err := github.NewAppTokenProvider(appID, installationID, key, "")
		if err != nil {
			return nil, err
		}
		return github.NewAppClient(tokens), nil
	}
	if token == "" {
		return nil, errors.New("github-token or app credentials required")
	}
	return github.NewClient(token), nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
