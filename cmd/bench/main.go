// Command bench drives a query client with a synthetic workload against a
// simulated or REST transport and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"

	"github.com/Tchelovb/clinicpro-manager-sub010/config"
	mylog "github.com/Tchelovb/clinicpro-manager-sub010/internal/log"
	pmet "github.com/Tchelovb/clinicpro-manager-sub010/metrics/prom"
	"github.com/Tchelovb/clinicpro-manager-sub010/query"
	"github.com/Tchelovb/clinicpro-manager-sub010/transport/rest"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	mylog.InitLogger()

	// The YAML flag sources are bound when the command is built, so the
	// config path is resolved from the raw arguments first.
	cfgPath := configFromArgs(os.Args[1:], config.DefaultPath())
	if err := newCommand(cfgPath).Run(context.Background(), os.Args); err != nil {
		log.WithError(err).Error("bench failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// configFromArgs returns the value of --config in args, or def.
func configFromArgs(args []string, def string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

// newCommand builds the bench command. Flags marked below also read their
// default from the YAML file at cfgPath.
func newCommand(cfgPath string) *cli.Command {
	src := altsrc.StringSourcer(cfgPath)
	return &cli.Command{
		Name:  "bench",
		Usage: "run a synthetic workload against a query client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML configuration file (env " + config.EnvPath + ")",
				Value: cfgPath,
			},

			// Workload.
			&cli.IntFlag{Name: "workers", Usage: "worker goroutines", Value: 2 * runtime.GOMAXPROCS(0)},
			&cli.DurationFlag{Name: "duration", Usage: "benchmark duration", Value: 10 * time.Second},
			&cli.IntFlag{Name: "keys", Usage: "keyspace size", Value: 10_000},
			&cli.FloatFlag{Name: "zipf-s", Usage: "Zipf s > 1 (skew)", Value: 1.1},
			&cli.FloatFlag{Name: "zipf-v", Usage: "Zipf v >= 1", Value: 1},
			&cli.Int64Flag{Name: "seed", Usage: "random seed (0 = time based)"},
			&cli.IntFlag{Name: "mutate-pct", Usage: "share of mutations [0..100]", Value: 5},
			&cli.IntFlag{Name: "watch-pct", Usage: "share of watch-then-unsubscribe operations [0..100]", Value: 10},
			&cli.DurationFlag{Name: "invalidate-every", Usage: "invalidate every key on this period (0 = never)"},
			&cli.DurationFlag{Name: "offline-every", Usage: "toggle connectivity on this period (0 = never)"},

			// Simulated transport.
			&cli.FloatFlag{Name: "fail-rate", Usage: "probability a transport call fails [0..1]", Value: 0.02},
			&cli.DurationFlag{Name: "latency", Usage: "mean transport latency", Value: 2 * time.Millisecond},
			&cli.IntFlag{Name: "max-inflight", Usage: "concurrent transport calls", Value: 64},

			// Client.
			&cli.DurationFlag{Name: "stale-time", Usage: "freshness window (overrides the config file)"},
			&cli.DurationFlag{Name: "gc-time", Usage: "retention window (overrides the config file)"},
			&cli.IntFlag{
				Name:    "retry",
				Usage:   "retries per fetch",
				Sources: cli.NewValueSourceChain(yaml.YAML("query.retry", src)),
				Value:   query.DefaultQueryRetry.Attempts,
			},
			&cli.IntFlag{
				Name:    "max-entries",
				Usage:   "resident entry limit (0 = unbounded)",
				Sources: cli.NewValueSourceChain(yaml.YAML("query.max_entries", src)),
			},
			&cli.IntFlag{
				Name:    "shards",
				Usage:   "number of shards (0 = auto)",
				Sources: cli.NewValueSourceChain(yaml.YAML("query.shards", src)),
			},
			&cli.StringFlag{
				Name:    "policy",
				Usage:   "eviction policy: lru | 2q",
				Sources: cli.NewValueSourceChain(yaml.YAML("query.policy", src)),
				Value:   "lru",
			},

			// REST transport.
			&cli.StringFlag{
				Name:  "rest-url",
				Usage: "row service base URL; empty runs the simulated transport",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("QUERY_REST_URL"),
					yaml.YAML("rest.url", src),
				),
			},
			&cli.StringFlag{
				Name:  "rest-key",
				Usage: "row service API key",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("QUERY_REST_KEY"),
					yaml.YAML("rest.api_key", src),
				),
			},
			&cli.StringFlag{Name: "table", Usage: "table read and patched in REST mode", Value: "patients"},

			// Endpoints.
			&cli.StringFlag{Name: "http", Usage: "serve Prometheus metrics at addr; empty = disabled", Value: ":8080"},
			&cli.StringFlag{Name: "pprof", Usage: "serve pprof at addr (e.g. :6060); empty = disabled"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			for _, name := range []string{"mutate-pct", "watch-pct"} {
				if v := cmd.Int(name); v < 0 || v > 100 {
					return ctx, fmt.Errorf("--%s must be in [0, 100]", name)
				}
			}
			if cmd.Int("mutate-pct")+cmd.Int("watch-pct") > 100 {
				return ctx, fmt.Errorf("--mutate-pct and --watch-pct add up to more than 100")
			}
			if cmd.Float("zipf-s") <= 1 || cmd.Float("zipf-v") < 1 {
				return ctx, fmt.Errorf("--zipf-s must be > 1 and --zipf-v >= 1")
			}
			if p := cmd.String("policy"); p != "lru" && p != "2q" {
				return ctx, fmt.Errorf("--policy: unknown policy %q (use lru or 2q)", p)
			}
			if cmd.Int("keys") < 1 {
				return ctx, fmt.Errorf("--keys must be positive")
			}
			return ctx, nil
		},
		Action: benchAction,
	}
}

func benchAction(ctx context.Context, cmd *cli.Command) error {
	file, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("rest-url") {
		file.REST.URL = cmd.String("rest-url")
	}
	if cmd.IsSet("rest-key") {
		file.REST.APIKey = cmd.String("rest-key")
	}

	if addr := cmd.String("pprof"); addr != "" {
		go func() {
			log.WithField("addr", addr).Info("pprof: serving")
			log.WithError(http.ListenAndServe(addr, nil)).Warn("pprof: stopped")
		}()
	}
	metrics := pmet.New(nil, "query", "bench", nil)
	if addr := cmd.String("http"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.WithField("addr", addr).Info("metrics: serving")
			log.WithError(http.ListenAndServe(addr, mux)).Warn("metrics: stopped")
		}()
	}

	w := workloadFromFlags(cmd)
	if rc := file.RESTClient(); rc != nil {
		table := cmd.String("table")
		tg := target[gjson.Result]{
			name:   rc.BaseURL + "/" + table,
			key:    func(id int) query.Key { return rest.Key(table, "id", id) },
			prefix: rest.Key(table),
			fetch:  rc.FetchRows,
			mutate: func(ctx context.Context, id int) (gjson.Result, error) {
				return rc.Update(table)(ctx, rest.Patch{
					Match: map[string]any{"id": id},
					Set:   rest.Row{"updated_at": time.Now().UTC()},
				})
			},
		}
		opt := clientOptions[gjson.Result](cmd, file)
		opt.Metrics = metrics
		p := query.DefaultQueryRetry
		if opt.Retry != nil {
			p = *opt.Retry
		}
		p.Retryable = rest.Retryable(p.Attempts)
		opt.Retry = &p
		mopt := mutationOptions[gjson.Result](file, metrics)
		mp := query.DefaultMutationRetry
		if mopt.Retry != nil {
			mp = *mopt.Retry
		}
		mp.Retryable = rest.Retryable(mp.Attempts)
		mopt.Retry = &mp

		rep, err := run(ctx, w, opt, mopt, tg)
		if err != nil {
			return err
		}
		rep.print(os.Stdout)
		return nil
	}

	sim := newSimulated(cmd.Duration("latency"), cmd.Float("fail-rate"), cmd.Int("max-inflight"), w.seed)
	tg := target[string]{
		name:   "simulated",
		key:    itemKey,
		prefix: query.Key{"item"},
		fetch:  sim.Fetch,
		mutate: sim.Touch,
	}
	opt := clientOptions[string](cmd, file)
	opt.Metrics = metrics
	rep, err := run(ctx, w, opt, mutationOptions[string](file, metrics), tg)
	if err != nil {
		return err
	}
	rep.transportCalls = sim.calls.Load()
	rep.transportFailures = sim.failures.Load()
	rep.print(os.Stdout)
	return nil
}

// loadConfig reads --config. A missing file at the default location yields
// the defaults.
func loadConfig(cmd *cli.Command) (config.File, error) {
	f, err := config.Load(cmd.String("config"))
	if errors.Is(err, fs.ErrNotExist) && !cmd.IsSet("config") {
		log.WithField("path", cmd.String("config")).Debug("config: not found, using defaults")
		return config.File{}, nil
	}
	return f, err
}

// clientOptions layers the command line over the config file.
func clientOptions[V any](cmd *cli.Command, file config.File) query.Options[V] {
	opt := config.Options[V](file)
	if cmd.IsSet("stale-time") {
		opt.StaleTime = cmd.Duration("stale-time")
	}
	if cmd.IsSet("gc-time") {
		opt.GCTime = cmd.Duration("gc-time")
	}
	if cmd.IsSet("retry") {
		p := query.DefaultQueryRetry
		if opt.Retry != nil {
			p = *opt.Retry
		}
		p.Attempts = cmd.Int("retry")
		opt.Retry = &p
	}
	if cmd.IsSet("max-entries") || cmd.IsSet("shards") || cmd.IsSet("policy") {
		file.Query.MaxEntries = cmd.Int("max-entries")
		file.Query.Shards = cmd.Int("shards")
		file.Query.Policy = cmd.String("policy")
		sized := config.Options[V](file)
		opt.MaxEntries, opt.Shards, opt.Policy = sized.MaxEntries, sized.Shards, sized.Policy
	}
	return opt
}

func mutationOptions[V any](file config.File, m query.Metrics) query.MutationOptions[int, V] {
	return query.MutationOptions[int, V]{Retry: file.MutationRetry(), Metrics: m}
}
