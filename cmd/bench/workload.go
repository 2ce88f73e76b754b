package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Tchelovb/clinicpro-manager-sub010/query"
)

// workload is the traffic shape, independent of the transport.
type workload struct {
	workers         int
	duration        time.Duration
	keys            int
	zipfS, zipfV    float64
	seed            int64
	mutatePct       int
	watchPct        int
	invalidateEvery time.Duration
	offlineEvery    time.Duration
}

func workloadFromFlags(cmd *cli.Command) workload {
	w := workload{
		workers:         cmd.Int("workers"),
		duration:        cmd.Duration("duration"),
		keys:            cmd.Int("keys"),
		zipfS:           cmd.Float("zipf-s"),
		zipfV:           cmd.Float("zipf-v"),
		seed:            cmd.Int64("seed"),
		mutatePct:       cmd.Int("mutate-pct"),
		watchPct:        cmd.Int("watch-pct"),
		invalidateEvery: cmd.Duration("invalidate-every"),
		offlineEvery:    cmd.Duration("offline-every"),
	}
	if w.workers <= 0 {
		w.workers = 1
	}
	if w.seed == 0 {
		w.seed = time.Now().UnixNano()
	}
	return w
}

// target binds the workload to one transport.
type target[V any] struct {
	name   string
	key    func(id int) query.Key
	prefix query.Key
	fetch  query.Fetcher[V]
	mutate query.MutateFunc[int, V]
}

type report struct {
	target   string
	workers  int
	keys     int
	seed     int64
	elapsed  time.Duration
	fetches  uint64
	watches  uint64
	mutates  uint64
	errors   uint64
	invalid  uint64
	offline  uint64
	entries  int
	stats    query.Stats
	heapSize uint64

	transportCalls    uint64
	transportFailures uint64
}

// run drives a fresh client with w until the duration elapses or ctx is
// cancelled.
func run[V any](ctx context.Context, w workload, opt query.Options[V], mopt query.MutationOptions[int, V], tg target[V]) (report, error) {
	net := query.NewNetworkStatus(true)
	opt.Connectivity = net
	mopt.Connectivity = net

	c := query.New[V](opt)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, w.duration)
	defer cancel()

	var (
		fetches, watches, mutates, failed atomic.Uint64
		invalidated, toggles              atomic.Uint64
	)
	count := func(ctr *atomic.Uint64, err error) {
		ctr.Add(1)
		if err != nil && ctx.Err() == nil {
			failed.Add(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for worker := 0; worker < w.workers; worker++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			rng := rand.New(rand.NewSource(w.seed + int64(worker)*9973))
			zipf := rand.NewZipf(rng, w.zipfS, w.zipfV, uint64(w.keys-1))
			mut := query.NewMutation[int, V](c, tg.mutate, withInvalidation(mopt, tg))

			for gctx.Err() == nil {
				id := int(zipf.Uint64())
				p := rng.Intn(100)
				switch {
				case p < w.mutatePct:
					_, err := mut.Mutate(gctx, id)
					count(&mutates, err)
				case p < w.mutatePct+w.watchPct:
					count(&watches, watchOnce(gctx, c, tg.key(id), tg.fetch))
				default:
					_, err := c.Fetch(gctx, tg.key(id), tg.fetch)
					if errors.Is(err, query.ErrClosed) {
						return err
					}
					count(&fetches, err)
				}
			}
			return nil
		})
	}
	if w.invalidateEvery > 0 {
		g.Go(func() error {
			return every(gctx, w.invalidateEvery, func() {
				invalidated.Add(uint64(c.Invalidate(tg.prefix)))
			})
		})
	}
	if w.offlineEvery > 0 {
		g.Go(func() error {
			defer net.SetOnline(true)
			return every(gctx, w.offlineEvery, func() {
				online := net.Online()
				net.SetOnline(!online)
				if online {
					toggles.Add(1)
				}
				log.WithField("online", !online).Info("bench: connectivity changed")
			})
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return report{
		target:   tg.name,
		workers:  w.workers,
		keys:     w.keys,
		seed:     w.seed,
		elapsed:  time.Since(start),
		fetches:  fetches.Load(),
		watches:  watches.Load(),
		mutates:  mutates.Load(),
		errors:   failed.Load(),
		invalid:  invalidated.Load(),
		offline:  toggles.Load(),
		entries:  c.Len(),
		stats:    c.Stats(),
		heapSize: ms.HeapAlloc,
	}, nil
}

// withInvalidation makes every mutation invalidate the row it touched.
func withInvalidation[V any](mopt query.MutationOptions[int, V], tg target[V]) query.MutationOptions[int, V] {
	mopt.InvalidatesFor = func(id int, _ V) []query.Key { return []query.Key{tg.key(id)} }
	return mopt
}

// watchOnce subscribes to key until the entry settles, then unsubscribes.
func watchOnce[V any](ctx context.Context, c query.Client[V], key query.Key, fn query.Fetcher[V]) error {
	settled := make(chan query.Entry[V], 1)
	unsubscribe := c.Watch(key, fn, func(e query.Entry[V]) {
		if e.FetchState == query.FetchIdle && (e.Status == query.StatusSuccess || e.Status == query.StatusError) {
			select {
			case settled <- e:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case e := <-settled:
		return e.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, d time.Duration, fn func()) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func (r report) print(out io.Writer) {
	ops := r.fetches + r.watches + r.mutates
	hitRate := 0.0
	if lookups := r.stats.Hits + r.stats.Misses; lookups > 0 {
		hitRate = float64(r.stats.Hits) / float64(lookups) * 100
	}

	fmt.Fprintf(out, "target=%s workers=%d keys=%s dur=%v seed=%d\n",
		r.target, r.workers, humanize.Comma(int64(r.keys)), r.elapsed.Round(time.Millisecond), r.seed)
	fmt.Fprintf(out, "ops=%s (%s ops/s)  fetches=%s  watches=%s  mutations=%s  errors=%s\n",
		humanize.Comma(int64(ops)), humanize.CommafWithDigits(float64(ops)/r.elapsed.Seconds(), 0),
		humanize.Comma(int64(r.fetches)), humanize.Comma(int64(r.watches)),
		humanize.Comma(int64(r.mutates)), humanize.Comma(int64(r.errors)))
	fmt.Fprintf(out, "hits=%s  misses=%s  hit-rate=%.2f%%  transport fetches=%s  retries=%s\n",
		humanize.Comma(int64(r.stats.Hits)), humanize.Comma(int64(r.stats.Misses)), hitRate,
		humanize.Comma(int64(r.stats.Fetches)), humanize.Comma(int64(r.stats.Retries)))
	fmt.Fprintf(out, "entries=%s  evictions=%s  invalidated=%s  offline periods=%d  heap=%s\n",
		humanize.Comma(int64(r.entries)), humanize.Comma(int64(r.stats.Evictions)),
		humanize.Comma(int64(r.invalid)), r.offline, humanize.Bytes(r.heapSize))
	if r.transportCalls > 0 {
		fmt.Fprintf(out, "transport calls=%s  failures=%s\n",
			humanize.Comma(int64(r.transportCalls)), humanize.Comma(int64(r.transportFailures)))
	}
}
