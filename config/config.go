// Package config loads client settings from a YAML file.
//
//	query:
//	  stale_time: 30s        # or "never", "always"
//	  gc_time: 10m           # or "never"
//	  retry: 3
//	  retry_base: 1s
//	  retry_max: 30s
//	  network_mode: online   # or "always"
//	  max_entries: 10000
//	  policy: lru            # or "2q"
//	  mutation:
//	    retry: 2
//	rest:
//	  url: https://db.example.com
//	  api_key: anon
//	routes:
//	  - from: /patients/:id
//	    to: /patients/:id/budget
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tchelovb/clinicpro-manager-sub010/internal/util"
	"github.com/Tchelovb/clinicpro-manager-sub010/policy"
	"github.com/Tchelovb/clinicpro-manager-sub010/policy/lru"
	"github.com/Tchelovb/clinicpro-manager-sub010/policy/twoq"
	"github.com/Tchelovb/clinicpro-manager-sub010/query"
	"github.com/Tchelovb/clinicpro-manager-sub010/route"
	"github.com/Tchelovb/clinicpro-manager-sub010/transport/rest"
)

// EnvPath names the environment variable overriding DefaultPath.
const EnvPath = "QUERY_CONFIG"

// DefaultPath returns $QUERY_CONFIG, or query.yaml in the working directory.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return "query.yaml"
}

const (
	// Never is the Duration spelled "never".
	Never Duration = math.MaxInt64
	// Always is the Duration spelled "always" (immediately stale).
	Always Duration = -1
)

// Duration is a time.Duration written as "90s", "5m", "never" or "always".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never":
		*d = Never
	case "always":
		*d = Always
	default:
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		if v < 0 {
			return fmt.Errorf("line %d: negative duration %q", n.Line, s)
		}
		*d = Duration(v)
	}
	return nil
}

// File is the parsed configuration.
type File struct {
	// Source is the path the file was loaded from.
	Source string `yaml:"-"`

	Query  Query            `yaml:"query"`
	REST   REST             `yaml:"rest"`
	Routes []route.Redirect `yaml:"routes"`
}

// Query holds client settings. Zero values keep the client defaults.
type Query struct {
	StaleTime      Duration `yaml:"stale_time"`
	GCTime         Duration `yaml:"gc_time"`
	Retry          *int     `yaml:"retry"`
	RetryBase      Duration `yaml:"retry_base"`
	RetryMax       Duration `yaml:"retry_max"`
	NetworkMode    string   `yaml:"network_mode"`
	RefetchOnFocus bool     `yaml:"refetch_on_focus"`
	AbortInactive  bool     `yaml:"abort_inactive"`
	MaxEntries     int      `yaml:"max_entries"`
	Shards         int      `yaml:"shards"`
	Policy         string   `yaml:"policy"`

	Mutation struct {
		Retry *int `yaml:"retry"`
	} `yaml:"mutation"`
}

// REST locates the row service.
type REST struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Load reads and validates the file at path. Unknown keys are rejected.
// An empty file yields the defaults.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	f.Source = path
	return f, nil
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks enumerations, counts and redirects.
func (f File) Validate() error {
	q := f.Query
	switch q.NetworkMode {
	case "", "online", "always":
	default:
		return fmt.Errorf("query.network_mode: unknown mode %q", q.NetworkMode)
	}
	switch q.Policy {
	case "", "lru", "2q":
	default:
		return fmt.Errorf("query.policy: unknown policy %q", q.Policy)
	}
	if q.Retry != nil && *q.Retry < 0 {
		return fmt.Errorf("query.retry: must be >= 0")
	}
	if q.Mutation.Retry != nil && *q.Mutation.Retry < 0 {
		return fmt.Errorf("query.mutation.retry: must be >= 0")
	}
	if q.MaxEntries < 0 || q.Shards < 0 {
		return fmt.Errorf("query: max_entries and shards must be >= 0")
	}
	if q.GCTime == Always {
		return fmt.Errorf("query.gc_time: \"always\" is not a retention window")
	}
	if q.RetryBase == Never || q.RetryBase == Always || q.RetryMax == Never || q.RetryMax == Always {
		return fmt.Errorf("query: retry_base and retry_max must be durations")
	}
	if _, err := route.NewTable(f.Routes...); err != nil {
		return err
	}
	return nil
}

// Options converts the query section to client options for values of
// type V. Fields the file leaves unset keep the client defaults.
func Options[V any](f File) query.Options[V] {
	q := f.Query
	opt := query.Options[V]{
		StaleTime:      time.Duration(q.StaleTime),
		GCTime:         time.Duration(q.GCTime),
		Retry:          retryPolicy(query.DefaultQueryRetry, q.Retry, q.RetryBase, q.RetryMax),
		RefetchOnFocus: q.RefetchOnFocus,
		AbortInactive:  q.AbortInactive,
		MaxEntries:     q.MaxEntries,
		Shards:         q.Shards,
		Policy:         evictionPolicy(q),
	}
	if q.GCTime == Never {
		opt.GCTime = query.NeverCollect
	}
	if q.NetworkMode == "always" {
		opt.NetworkMode = query.NetworkAlways
	}
	return opt
}

// MutationRetry returns the configured mutation retry policy, or nil for
// the default.
func (f File) MutationRetry() *query.RetryPolicy {
	return retryPolicy(query.DefaultMutationRetry, f.Query.Mutation.Retry, f.Query.RetryBase, f.Query.RetryMax)
}

// Table returns the configured redirects.
func (f File) Table() route.Table {
	return route.Table(f.Routes)
}

// RESTClient returns a client for the configured row service, or nil when
// no URL is set.
func (f File) RESTClient() *rest.Client {
	if f.REST.URL == "" {
		return nil
	}
	return rest.New(f.REST.URL, f.REST.APIKey)
}

func retryPolicy(p query.RetryPolicy, attempts *int, base, max Duration) *query.RetryPolicy {
	if attempts == nil && base == 0 && max == 0 {
		return nil
	}
	if attempts != nil {
		p.Attempts = *attempts
	}
	if base != 0 || max != 0 {
		b, m := time.Duration(base), time.Duration(max)
		if b == 0 {
			b = time.Second
		}
		if m == 0 {
			m = 30 * time.Second
		}
		p.Delay = query.ExponentialDelay(b, m)
	}
	return &p
}

func evictionPolicy(q Query) policy.Policy[string] {
	if q.Policy != "2q" {
		return lru.New[string]()
	}
	perShard := 1
	if q.MaxEntries > 0 {
		sh := util.ShardCount(q.Shards)
		perShard = (q.MaxEntries + sh - 1) / sh
	}
	return twoq.New[string](perShard/4, perShard/2)
}
