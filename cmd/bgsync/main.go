package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	bgsync "github.com/matrix-org/background-sync"
	"github.com/matrix-org/background-sync/internal"
	"github.com/matrix-org/background-sync/state/migrations"
	"github.com/matrix-org/background-sync/sync2"
)

// GitCommit is set at build time via -ldflags
var GitCommit string

const version = "0.2.0"

var (
	flagDestinationServer = flag.String("server", "", "The destination matrix server to sync from")
	flagBindAddr          = flag.String("port", ":8009", "Bind address")
	flagPostgres          = flag.String("db", "user=postgres dbname=bgsync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagSecret            = flag.String("secret", "", "Secret used to encrypt access tokens at rest")
)

func main() {
	flag.Parse()
	if *flagDestinationServer == "" || *flagSecret == "" {
		flag.Usage()
		os.Exit(1)
	}
	sync2.Version = fmt.Sprintf("%s (%s)", version, GitCommit)

	if sentryDSN := os.Getenv("BGSYNC_SENTRY_DSN"); sentryDSN != "" {
		fmt.Printf("Configuring Sentry reporting (at %s)\n", sentryDSN)
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     sentryDSN,
			Release: version,
			Dist:    GitCommit,
		})
		if err != nil {
			panic(err)
		}
	}

	if otlpURL := os.Getenv("BGSYNC_OTLP_URL"); otlpURL != "" {
		fmt.Printf("Configuring OTLP collector (at %s)\n", otlpURL)
		err := internal.ConfigureOTLP(
			otlpURL,
			os.Getenv("BGSYNC_OTLP_USERNAME"), os.Getenv("BGSYNC_OTLP_PASSWORD"),
			version,
		)
		if err != nil {
			panic(err)
		}
	}

	db, err := sqlx.Open("postgres", *flagPostgres)
	if err != nil {
		panic(err)
	}
	if err = migrations.Exec(db); err != nil {
		panic(err)
	}
	db.Close()

	h := bgsync.Setup(*flagDestinationServer, *flagPostgres, *flagSecret, bgsync.Opts{
		AddPrometheusMetrics: true,
	})
	bgsync.RunBgSyncServer(h, *flagBindAddr)
}
