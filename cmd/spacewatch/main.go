// Command spacewatch subscribes to a collection and prints every change as a
// JSON line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	spaceapi "github.com/spaceuptech/space-api-go"
	"github.com/spaceuptech/space-api-go/pkg/feed"
	"github.com/spaceuptech/space-api-go/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type watchOptions struct {
	dbType      string
	collection  string
	filter      spaceapi.Filter
	changesOnly bool
	// nil leaves the live query's default: skipped with -changes, shown otherwise
	skipInitial *bool
}

func run(args []string) int {
	fs := flag.NewFlagSet("spacewatch", flag.ContinueOnError)

	// Defaults come from the SPACE_* environment variables
	config := spaceapi.ConfigFromEnv()

	fs.StringVar(&config.URL, "url", config.URL, "Space Cloud gateway address")
	fs.StringVar(&config.ProjectID, "project", config.ProjectID, "Project id (required)")
	fs.StringVar(&config.Token, "token", config.Token, "Token sent with every control message")
	fs.StringVar(&config.Codec, "codec", config.Codec, "Wire codec: json or cbor")
	fs.StringVar(&config.Engine, "engine", config.Engine, "Websocket engine: gorilla or gws")
	fs.DurationVar(&config.DialTimeout, "dial-timeout", config.DialTimeout, "Handshake timeout")

	var (
		opts        watchOptions
		where       string
		skipInitial bool
		verbose     bool
		logPath     string
	)
	fs.StringVar(&opts.dbType, "db", "mongo", "Database type: mongo, sql-mysql, sql-postgres or sql-sqlserver")
	fs.StringVar(&opts.collection, "collection", "", "Collection to watch (required)")
	fs.StringVar(&where, "where", "", `Filter as a JSON object, e.g. {"author":"frank"}`)
	fs.BoolVar(&opts.changesOnly, "changes", false, "Print only the changed document instead of the whole view")
	fs.BoolVar(&skipInitial, "skip-initial", false, "Do not print the rows matching at subscription time (default true with -changes)")
	fs.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	fs.StringVar(&logPath, "log", "", "Write diagnostics to this file instead of stderr")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "skip-initial" {
			opts.skipInitial = &skipInitial
		}
	})

	opts.filter = spaceapi.Filter{}
	if where != "" {
		if err := json.Unmarshal([]byte(where), &opts.filter); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -where: %v\n", err)
			fs.Usage()
			return 1
		}
	}

	if opts.collection == "" {
		fmt.Fprintln(os.Stderr, "Error: collection is required")
		fs.Usage()
		return 1
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 1
	}

	build := logger.New().Verbose(verbose).FromBuffer(os.Stderr)
	if logPath != "" {
		build = build.FromPath(logPath)
	}
	log, err := build.Make()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer log.Close()
	config.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, config, opts); err != nil {
		log.Error("watch failed", "error", err)
		return 1
	}
	return 0
}

func watch(ctx context.Context, config *spaceapi.Config, opts watchOptions) error {
	api, err := spaceapi.New(ctx, config)
	if err != nil {
		return err
	}
	defer api.Close()

	out := json.NewEncoder(os.Stdout)
	failed := make(chan error, 1)
	onError := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	q := api.DB(opts.dbType).LiveQuery(opts.collection).Where(opts.filter)
	if opts.changesOnly {
		q.Options(true)
	}
	if opts.skipInitial != nil {
		q.SkipInitial(*opts.skipInitial)
	}

	var unsubscribe func()
	if opts.changesOnly {
		unsubscribe = q.SubscribeChanges(func(delta feed.Document, kind feed.Kind) {
			out.Encode(map[string]any{"kind": kind.String(), "delta": delta}) //nolint:errcheck
		}, onError)
	} else {
		unsubscribe = q.Subscribe(func(docs []feed.Document, kind feed.Kind, delta feed.Document) {
			out.Encode(map[string]any{"kind": kind.String(), "delta": delta, "docs": docs}) //nolint:errcheck
		}, onError)
	}
	defer unsubscribe()

	config.Logger.Info("watching", "db", opts.dbType, "collection", opts.collection, "id", q.ID())

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	case <-q.Done():
		// the error callback runs before Done is closed
		select {
		case err := <-failed:
			return err
		default:
			return nil
		}
	}
}
