package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/arso-project/sonar-tantivy/agent"
	"github.com/arso-project/sonar-tantivy/catalog"
	"github.com/arso-project/sonar-tantivy/internal/files"
	"github.com/arso-project/sonar-tantivy/internal/memengine"
	"github.com/arso-project/sonar-tantivy/pipe"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const engineName = "sonar-tantivy"

func main() {
	app := &cli.App{
		Name:  "sonar-search",
		Usage: "run and query the sonar search engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:    "engine",
				Usage:   "The engine binary. Defaults to " + engineName + " found above the working directory or on PATH.",
				EnvVars: []string{"SONAR_ENGINE"},
			},
			&cli.StringSliceFlag{
				Name:  "engine-arg",
				Usage: "Extra argument for the engine, before the data path. Repeatable.",
			},
			&cli.StringFlag{
				Name:    "data",
				Usage:   "The directory the engine keeps its indexes in.",
				Value:   "./data",
				EnvVars: []string{"SONAR_DATA"},
			},
			&cli.StringFlag{
				Name:    "agent",
				Usage:   "The address of the agent used by the client commands.",
				Value:   "127.0.0.1:9191",
				EnvVars: []string{"SONAR_AGENT"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			callCommand,
			createCommand,
			existsCommand,
			addCommand,
			queryCommand,
			memoryEngineCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	// stdout may carry the pipe protocol, so logs always go to stderr
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// spawnEngine starts the engine binary with the data directory as its last argument.
func spawnEngine(ctx context.Context, cctx *cli.Context, logger *zap.Logger) (*pipe.Process, error) {
	engine := cctx.String("engine")
	if engine == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		engine, err = files.FindBinary(engineName, wd)
		if err != nil {
			return nil, fmt.Errorf("finding engine: %w", err)
		}
	}
	args := append(cctx.StringSlice("engine-arg"), cctx.String("data"))
	return pipe.Spawn(ctx, engine, args, pipe.WithLogger(logger))
}

func newClient(cctx *cli.Context) (*agent.Client, error) {
	logger, err := newLogger(cctx)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(logger.Sugar(), cctx.String("agent")), nil
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "spawn the engine and serve it over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:9191",
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		proc, err := spawnEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		a, err := agent.New(proc, agent.WithListenAddr(cctx.String("listen-addr")), agent.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		group, ctx := errgroup.WithContext(ctx)
		group.Go(a.Run)
		group.Go(func() error {
			err := proc.Wait(context.Background())
			if ctx.Err() != nil {
				return nil
			}
			// the agent is useless without its engine
			if err == nil {
				err = errors.New("engine exited")
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			return multierr.Append(a.Stop(), proc.Close())
		})

		return group.Wait()
	},
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "spawn the engine, send one request and print the reply",
	ArgsUsage: "METHOD [JSON]",
	Action: func(cctx *cli.Context) error {
		method := cctx.Args().Get(0)
		if method == "" {
			return errors.New("missing method")
		}
		msg := json.RawMessage("null")
		if arg := cctx.Args().Get(1); arg != "" {
			msg = json.RawMessage(arg)
			if !json.Valid(msg) {
				return fmt.Errorf("argument is not valid JSON: %s", arg)
			}
		}

		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}
		proc, err := spawnEngine(cctx.Context, cctx, logger)
		if err != nil {
			return err
		}
		defer proc.Close()

		var reply json.RawMessage
		if err := proc.Request(cctx.Context, method, msg, &reply); err != nil {
			return err
		}
		return printJSON(cctx.App.Writer, reply)
	},
}

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "create an index through the agent",
	ArgsUsage: "NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "schema",
			Usage: "Path to a JSON file with the index schema, an array of {name, type, options}.",
		},
		&cli.BoolFlag{
			Name:  "ram",
			Usage: "Keep the index in memory only.",
		},
	},
	Action: func(cctx *cli.Context) error {
		name := cctx.Args().First()
		if name == "" {
			return errors.New("missing index name")
		}
		var schema catalog.Schema
		if p := cctx.String("schema"); p != "" {
			if err := readJSONFile(p, &schema); err != nil {
				return fmt.Errorf("reading schema: %w", err)
			}
		}
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		return client.CreateIndex(cctx.Context, name, schema, cctx.Bool("ram"))
	},
}

var existsCommand = &cli.Command{
	Name:      "exists",
	Usage:     "check whether an index exists; exits non-zero if it does not",
	ArgsUsage: "NAME",
	Action: func(cctx *cli.Context) error {
		name := cctx.Args().First()
		if name == "" {
			return errors.New("missing index name")
		}
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		has, err := client.HasIndex(cctx.Context, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, has)
		if !has {
			return cli.Exit("", 1)
		}
		return nil
	},
}

var addCommand = &cli.Command{
	Name:      "add",
	Usage:     "add documents to an index through the agent",
	ArgsUsage: "NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "file",
			Usage: "Path to a JSON array of documents. Reads stdin if not set.",
		},
	},
	Action: func(cctx *cli.Context) error {
		name := cctx.Args().First()
		if name == "" {
			return errors.New("missing index name")
		}
		var docs []catalog.Document
		if p := cctx.String("file"); p != "" {
			if err := readJSONFile(p, &docs); err != nil {
				return fmt.Errorf("reading documents: %w", err)
			}
		} else if err := json.NewDecoder(os.Stdin).Decode(&docs); err != nil {
			return fmt.Errorf("reading documents from stdin: %w", err)
		}
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		return client.AddDocuments(cctx.Context, name, docs)
	},
}

var queryCommand = &cli.Command{
	Name:      "query",
	Usage:     "query one or more indexes through the agent",
	ArgsUsage: "QUERY INDEX...",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of results, for a single index.",
		},
		&cli.StringFlag{
			Name:  "snippet",
			Usage: "Field to build highlighted snippets from, for a single index.",
		},
	},
	Action: func(cctx *cli.Context) error {
		args := cctx.Args().Slice()
		if len(args) < 2 {
			return errors.New("expected a query and at least one index")
		}
		query, indexes := args[0], args[1:]
		client, err := newClient(cctx)
		if err != nil {
			return err
		}

		var res any
		if len(indexes) == 1 {
			opts := catalog.QueryOptions{Limit: cctx.Int("limit"), SnippetField: cctx.String("snippet")}
			res, err = client.Query(cctx.Context, indexes[0], query, opts)
		} else {
			res, err = client.MultiQuery(cctx.Context, query, indexes)
		}
		if err != nil {
			return err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return printJSON(cctx.App.Writer, b)
	},
}

var memoryEngineCommand = &cli.Command{
	Name:   "memory-engine",
	Usage:  "serve an in-memory engine over stdin and stdout",
	Hidden: true,
	Action: func(cctx *cli.Context) error {
		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}
		engine := memengine.New(logger.Sugar())
		t := pipe.Stdio(append(engine.Options(), pipe.WithLogger(logger))...)
		<-t.Done()
		return nil
	},
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
