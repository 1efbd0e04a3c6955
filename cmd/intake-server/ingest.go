package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/belrose/recordintake/internal/domain/intake"
)

// itemResult is the per-item line printed by ingest.
type itemResult struct {
	ID          string             `json:"id,omitempty"`
	Source      string             `json:"source"`
	Status      intake.Status      `json:"status,omitempty"`
	Title       string             `json:"title,omitempty"`
	PersistedID string             `json:"persistedId,omitempty"`
	ExternalRef string             `json:"externalRef,omitempty"`
	Error       string             `json:"error,omitempty"`
	Hint        string             `json:"hint,omitempty"`
	SoftIssues  []intake.SoftIssue `json:"softIssues,omitempty"`
}

func resultFor(source string, it *intake.Item) itemResult {
	r := itemResult{
		ID:          it.ID,
		Source:      source,
		Status:      it.Status,
		PersistedID: it.PersistedID,
		ExternalRef: it.ExternalRef,
		SoftIssues:  it.SoftIssues,
	}
	if it.Enrichment != nil {
		r.Title = it.Enrichment.Title
	}
	if it.Error != nil {
		r.Error = it.Error.Message
		r.Hint = it.Error.Hint
	}
	return r
}

func ingestCmd() *cobra.Command {
	var asText, asStructured bool

	cmd := &cobra.Command{
		Use:   "ingest <files...>",
		Short: "Run files through the pipeline and print one JSON result per item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asText && asStructured {
				return errors.New("--text and --structured are mutually exclusive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			mode := sourceFile
			switch {
			case asText:
				mode = sourceText
			case asStructured:
				mode = sourceStructured
			}
			return runIngest(ctx, a.intake, args, mode, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asText, "text", false, "treat each file as typed text and skip extraction")
	cmd.Flags().BoolVar(&asStructured, "structured", false, "treat each file as a structured FHIR record")
	return cmd
}

// admission pairs an admitted item with the file it came from.
type admission struct {
	ID     string
	Source string
}

type sourceMode int

const (
	sourceFile sourceMode = iota
	sourceText
	sourceStructured
)

// admitFiles reads paths and admits them in one batch. Files that cannot be
// read or are refused at admission come back as results with an error. Zero
// limits fall back to the configured ones.
func admitFiles(svc *intake.Service, paths []string, mode sourceMode, limits intake.Limits) ([]admission, []itemResult, error) {
	var admitted []admission
	var failed []itemResult
	var uploads []intake.Upload
	var uploadPaths []string

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			failed = append(failed, itemResult{Source: p, Error: err.Error()})
			continue
		}
		switch mode {
		case sourceText:
			id, err := svc.AddText(string(data))
			if err != nil {
				failed = append(failed, itemResult{Source: p, Error: err.Error()})
				continue
			}
			admitted = append(admitted, admission{ID: id, Source: p})
		case sourceStructured:
			id, err := svc.AddStructuredItem(data, intake.StructuredOptions{Name: filepath.Base(p)})
			if err != nil {
				failed = append(failed, itemResult{Source: p, Error: err.Error(), Hint: strings.Join(errors.GetAllHints(err), "; ")})
				continue
			}
			admitted = append(admitted, admission{ID: id, Source: p})
		default:
			var modTime *time.Time
			if info, err := os.Stat(p); err == nil {
				t := info.ModTime().UTC()
				modTime = &t
			}
			uploads = append(uploads, intake.Upload{
				Name:        filepath.Base(p),
				ContentType: mime.TypeByExtension(filepath.Ext(p)),
				Data:        data,
				ModifiedAt:  modTime,
			})
			uploadPaths = append(uploadPaths, p)
		}
	}

	if len(uploads) > 0 {
		res, err := svc.AddItems(uploads, limits)
		if err != nil {
			return nil, nil, err
		}
		for _, rej := range res.Rejected {
			failed = append(failed, itemResult{Source: uploadPaths[rej.Index], Error: rej.Reason})
		}
		// Accepted ids keep upload order with the rejected ones skipped.
		next := 0
		rejected := make(map[int]bool, len(res.Rejected))
		for _, rej := range res.Rejected {
			rejected[rej.Index] = true
		}
		for i, p := range uploadPaths {
			if rejected[i] {
				continue
			}
			admitted = append(admitted, admission{ID: res.Accepted[next], Source: p})
			next++
		}
	}
	return admitted, failed, nil
}

// runIngest admits every path, runs the pipeline and waits for all items.
// It fails when any item did not complete.
func runIngest(ctx context.Context, svc *intake.Service, paths []string, mode sourceMode, out io.Writer) error {
	admitted, results, err := admitFiles(svc, paths, mode, intake.Limits{})
	if err != nil {
		return err
	}
	if _, err := svc.ProcessAll(); err != nil {
		return err
	}

	finished := make([]itemResult, len(admitted))

	g, gctx := errgroup.WithContext(ctx)
	for i, ad := range admitted {
		i, ad := i, ad
		g.Go(func() error {
			it, err := svc.Wait(gctx, ad.ID)
			if err != nil {
				return err
			}
			finished[i] = resultFor(ad.Source, it)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "waiting for items")
	}
	results = append(results, finished...)

	enc := json.NewEncoder(out)
	failures := 0
	for _, r := range results {
		if r.Status != intake.StatusCompleted {
			failures++
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if failures > 0 {
		return errors.WithHint(errors.Newf("%d of %d item(s) did not complete", failures, len(results)),
			"see the error and hint fields of each result")
	}
	return nil
}

func watchCmd() *cobra.Command {
	var dir string
	var settle time.Duration
	var existing bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest files dropped into an inbox directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			w := &inboxWatcher{
				dir:    dir,
				settle: settle,
				svc:    a.intake,
				logger: logger.With().Str("component", "watch").Str("dir", dir).Logger(),
			}
			return w.run(ctx, existing)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./inbox", "directory to watch")
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "quiet period before a written file is ingested")
	cmd.Flags().BoolVar(&existing, "existing", true, "ingest files already present at startup")
	return cmd
}

// inboxWatcher feeds files appearing in dir into the intake session. Each
// path is ingested once it has been quiet for settle.
type inboxWatcher struct {
	dir    string
	settle time.Duration
	svc    *intake.Service
	logger zerolog.Logger
}

func (w *inboxWatcher) run(ctx context.Context, existing bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return errors.WithHintf(errors.Wrapf(err, "watch %s", w.dir), "create the directory first")
	}
	w.logger.Info().Msg("watching inbox")

	ready := make(chan string, 16)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, t := range timers {
				t.Stop()
			}
		}()
		schedule := func(path string) {
			if t, ok := timers[path]; ok {
				t.Reset(w.settle)
				return
			}
			timers[path] = time.AfterFunc(w.settle, func() {
				select {
				case ready <- path:
				case <-gctx.Done():
				}
			})
		}

		if existing {
			entries, err := os.ReadDir(w.dir)
			if err != nil {
				return errors.Wrapf(err, "list %s", w.dir)
			}
			for _, de := range entries {
				if de.Type().IsRegular() && !hidden(de.Name()) {
					schedule(filepath.Join(w.dir, de.Name()))
				}
			}
		}

		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if hidden(filepath.Base(ev.Name)) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
					schedule(ev.Name)
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					if t, ok := timers[ev.Name]; ok {
						t.Stop()
						delete(timers, ev.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				w.logger.Warn().Err(err).Msg("watcher error")
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case path := <-ready:
				w.ingest(gctx, g, path)
			}
		}
	})

	return g.Wait()
}

// ingest admits one file and follows it to the end of its run in a separate
// goroutine. Items that did not complete are dropped from the session so the
// same file can be dropped in again.
func (w *inboxWatcher) ingest(ctx context.Context, g *errgroup.Group, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	admitted, failed, err := admitFiles(w.svc, []string{path}, sourceFile, intake.Limits{MaxCount: math.MaxInt32})
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("admission failed")
		return
	}
	for _, r := range failed {
		w.logger.Warn().Str("file", r.Source).Str("reason", r.Error).Msg("file rejected")
	}
	for _, ad := range admitted {
		id := ad.ID
		if err := w.svc.Process(id); err != nil {
			w.logger.Error().Err(err).Str("item_id", id).Msg("could not start item")
			continue
		}
		g.Go(func() error {
			it, err := w.svc.Wait(ctx, id)
			if err != nil {
				return nil
			}
			log := w.logger.With().Str("item_id", id).Str("file", path).Str("status", string(it.Status)).Logger()
			if it.Status == intake.StatusCompleted {
				log.Info().Str("persisted_id", it.PersistedID).Msg("file ingested")
				return nil
			}
			ev := log.Warn()
			if it.Error != nil {
				ev = ev.Str("reason", it.Error.Message)
			}
			ev.Msg("file not ingested")
			if _, err := w.svc.Remove(ctx, id, false); err != nil {
				log.Warn().Err(err).Msg("could not drop item")
			}
			return nil
		})
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
