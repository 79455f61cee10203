// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/subcommands"
	"github.com/pingcap/go-ycsb/pkg/generator"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/vm"
	"github.com/ptcore/ptcore/ptctl/config"
)

// stressBase is the first address of the region exercised by stress.
const stressBase = hostarch.Addr(0x4000_0000)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	ops     int
	pages   int
	skew    float64
	seed    int64
	rate    float64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map, unmap and protect pages from concurrent workers and verify the result"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent workers against one address space.

Worker w owns every page whose index is w modulo the number of workers, so
workers share page table nodes but never pages. Pages are picked with a
zipfian distribution. Once all workers are done the table is walked and
compared with the expected mappings.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.ops, "ops", 10000, "operations per worker.")
	f.IntVar(&s.pages, "pages", 4096, "number of pages in the exercised region.")
	f.Float64Var(&s.skew, "skew", 0.99, "zipfian constant of the page distribution, in (0, 1).")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
	f.Float64Var(&s.rate, "rate", 0, "maximum operations per second per worker, 0 for no limit.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	res, err := s.run(ctx, conf)
	if err != nil {
		Fatalf("stress: %v", err)
	}
	fmt.Printf("%d operations in %v: %d pages mapped at the end, %d shootdowns\n", res.ops, res.elapsed, res.mapped, res.flushes)
	return subcommands.ExitSuccess
}

type stressResult struct {
	ops     int
	mapped  int
	flushes int64
	elapsed time.Duration
}

func (s *Stress) validate() error {
	if s.workers <= 0 || s.ops < 0 {
		return fmt.Errorf("invalid workers %d or ops %d", s.workers, s.ops)
	}
	if s.pages < s.workers {
		return fmt.Errorf("need at least one page per worker, got %d pages for %d workers", s.pages, s.workers)
	}
	if s.skew <= 0 || s.skew >= 1 {
		return fmt.Errorf("zipfian constant %v out of (0, 1)", s.skew)
	}
	return nil
}

func (s *Stress) run(ctx context.Context, conf *config.Config) (stressResult, error) {
	if err := s.validate(); err != nil {
		return stressResult{}, err
	}
	m, err := newMachine(conf)
	if err != nil {
		return stressResult{}, err
	}
	defer m.destroy()
	space, cr3, err := m.newSpace()
	if err != nil {
		return stressResult{}, err
	}
	log.Infof("Stressing %d pages from %v with %d workers, CR3 %#x", s.pages, stressBase, s.workers, cr3)

	// shadow holds the index of every page expected to be mapped.
	shadow := mapset.NewSet()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			return s.worker(gctx, m.mf, space, w, shadow)
		})
	}
	err = g.Wait()
	res := stressResult{
		ops:     s.workers * s.ops,
		elapsed: time.Since(start),
	}
	if err == nil {
		res.mapped, err = s.verify(space, shadow)
	}
	if rerr := m.release(space); err == nil {
		err = rerr
	}
	res.flushes = m.flushes.Load()
	return res, err
}

func (s *Stress) worker(ctx context.Context, mf *pgalloc.MemoryFile, space *vm.Space, w int, shadow mapset.Set) error {
	r := rand.New(rand.NewSource(s.seed*31 + int64(w)))
	owned := s.pages / s.workers
	zipf := generator.NewZipfianWithRange(0, int64(owned-1), s.skew)
	var limiter *rate.Limiter
	if s.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rate), 1)
	}
	prop := hostarch.NewPageProperty(hostarch.RW)

	for i := 0; i < s.ops; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		page := int(zipf.Next(r))*s.workers + w
		va := stressBase + hostarch.Addr(page)*hostarch.PageSize
		ar := hostarch.AddrRange{Start: va, End: va + hostarch.PageSize}

		switch r.Intn(3) {
		case 0:
			fr, err := mf.AllocFrame(1)
			if err != nil {
				return err
			}
			pa := fr.PA()
			if err := space.Map(va, []pgalloc.Frame{fr}, prop); err != nil {
				return err
			}
			shadow.Add(page)
			got, _, ok, err := space.Query(va)
			if err != nil {
				return err
			}
			if !ok || got != pa {
				return fmt.Errorf("worker %d: %v maps %v (mapped %t), want %v", w, va, got, ok, pa)
			}
		case 1:
			n, err := space.Unmap(ar)
			if err != nil {
				return err
			}
			if want := shadow.Contains(page); (n == 1) != want {
				return fmt.Errorf("worker %d: unmapping %v removed %d pages, mapped %t", w, va, n, want)
			}
			shadow.Remove(page)
		case 2:
			if err := space.Protect(ar, func(p *hostarch.PageProperty) {
				p.Flags ^= hostarch.Writable
			}); err != nil {
				return err
			}
		}
	}
	log.Debugf("Worker %d done", w)
	return nil
}

// verify walks the region as the MMU would and compares it with shadow.
func (s *Stress) verify(space *vm.Space, shadow mapset.Set) (int, error) {
	region := hostarch.AddrRange{
		Start: stressBase,
		End:   stressBase + hostarch.Addr(s.pages)*hostarch.PageSize,
	}
	var (
		seen int
		err  error
	)
	pagetables.NewWalker(space.PageTable()).Walk(region, func(t pagetables.Translation) bool {
		page := int((t.VA - stressBase) / hostarch.PageSize)
		if t.Level != 1 || !shadow.Contains(page) {
			err = fmt.Errorf("unexpected translation %v -> %v at level %d", t.VA, t.PA, t.Level)
			return false
		}
		seen++
		return true
	})
	if err != nil {
		return seen, err
	}
	if want := shadow.Cardinality(); seen != want {
		return seen, fmt.Errorf("walked %d pages, want %d", seen, want)
	}
	return seen, nil
}
