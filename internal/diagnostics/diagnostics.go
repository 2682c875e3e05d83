// Package diagnostics writes the crash bundle of a failed run: what the page
// looked like, what the replayer was doing and the run's log.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

// Bundle member names.
const (
	ScreenshotFile     = "screenshot.png"
	FullScreenshotFile = "screenshot_full.png"
	StateFile          = "executor_state.json"
	ContentFile        = "content.html"
	LogFile            = "log.txt"
)

// captureTimeout bounds each page capture.
const captureTimeout = 15 * time.Second

// Report is what a failed run hands to the writer. Page and Env may be nil
// when the failure happened before a page was available.
type Report struct {
	RunID    string
	Executor string
	Err      error
	// Step and Action describe what was executing when the run failed.
	Step     *schemas.RecordedStep
	Action   *schemas.Action
	Path     []int
	Outcomes []schemas.ActionOutcome
	// Log is the run's captured log, written as log.txt.
	Log   []byte
	Extra map[string]interface{}

	Page schemas.Snapshotter
	Env  schemas.Environment
}

// executorState is the layout of executor_state.json.
type executorState struct {
	RunID              string                  `json:"run_id,omitempty"`
	Executor           string                  `json:"executor,omitempty"`
	Timestamp          time.Time               `json:"timestamp"`
	Error              string                  `json:"error,omitempty"`
	ErrorType          string                  `json:"error_type,omitempty"`
	AvailableActions   []string                `json:"available_actions"`
	CurrentStepActions []*schemas.Action       `json:"current_step_actions"`
	CurrentAction      *schemas.Action         `json:"current_action"`
	Path               []int                   `json:"path"`
	Outcomes           []schemas.ActionOutcome `json:"outcomes"`
	SelectorMap        schemas.SelectorMap     `json:"selector_map"`
	ElementTree        schemas.ElementTree     `json:"element_tree"`
	CaptureErrors      []string                `json:"capture_errors,omitempty"`
	Extra              map[string]interface{}  `json:"extra,omitempty"`
}

// Writer writes bundles under one directory.
type Writer struct {
	dir      string
	compress bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewWriter builds a writer from the diagnostics configuration.
func NewWriter(cfg config.DiagnosticsConfig, logger *zap.Logger) *Writer {
	return &Writer{
		dir:      cfg.Dir,
		compress: cfg.Compress,
		logger:   logger.Named("diagnostics"),
		now:      time.Now,
	}
}

// Write captures the page and writes the bundle, returning its path. Failing
// captures are logged and recorded in the state file; only a bundle that
// cannot be created at all is an error. The page is captured even when ctx
// is already cancelled.
func (w *Writer) Write(ctx context.Context, r Report) (string, error) {
	dir, err := homedir.Expand(w.dir)
	if err != nil {
		return "", fmt.Errorf("expand diagnostics dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}

	now := w.now()
	name := fmt.Sprintf("crashlog-%s-%s", now.Format("20060102-150405"), uuid.NewString()[:8])
	members, captureErrs := w.collect(contextutil.Detach(ctx), r, now)

	var sink bundleSink
	if w.compress {
		sink, err = newZipSink(filepath.Join(dir, name+".zip"))
	} else {
		sink, err = newDirSink(filepath.Join(dir, name))
	}
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(members))
	for n := range members {
		names = append(names, n)
	}
	sort.Strings(names)
	var writeErrs []error
	for _, n := range names {
		if err := sink.Add(n, members[n]); err != nil {
			writeErrs = append(writeErrs, err)
		}
	}
	if err := sink.Close(); err != nil {
		writeErrs = append(writeErrs, err)
	}
	if err := errors.Join(writeErrs...); err != nil {
		w.logger.Warn("Diagnostics bundle is incomplete.", zap.String("path", sink.Path()), zap.Error(err))
	}

	w.logger.Info("Diagnostics bundle written.",
		zap.String("path", sink.Path()),
		zap.Int("members", len(members)),
		zap.Int("capture_errors", len(captureErrs)),
	)
	return sink.Path(), nil
}

// collect gathers the bundle members. Each page read has its own timeout so
// one hung capture does not cost the others.
func (w *Writer) collect(ctx context.Context, r Report, now time.Time) (map[string][]byte, []string) {
	members := make(map[string][]byte)
	var captureErrs []string
	fail := func(what string, err error) {
		w.logger.Warn("Diagnostics capture failed.", zap.String("capture", what), zap.Error(err))
		captureErrs = append(captureErrs, fmt.Sprintf("%s: %v", what, err))
	}
	bounded := func(fn func(context.Context) error) error {
		c, cancel := context.WithTimeout(ctx, captureTimeout)
		defer cancel()
		return fn(c)
	}

	state := executorState{
		RunID:         r.RunID,
		Executor:      r.Executor,
		Timestamp:     now.UTC(),
		CurrentAction: r.Action,
		Path:          r.Path,
		Outcomes:      r.Outcomes,
		Extra:         r.Extra,
	}
	if r.Err != nil {
		state.Error = r.Err.Error()
		state.ErrorType = fmt.Sprintf("%T", r.Err)
	}
	if r.Step != nil {
		state.CurrentStepActions = r.Step.Actions
	}

	if r.Page != nil {
		state.AvailableActions = r.Page.AvailableActions()
		for _, shot := range []struct {
			file string
			full bool
		}{{ScreenshotFile, false}, {FullScreenshotFile, true}} {
			var data []byte
			err := bounded(func(c context.Context) (err error) {
				data, err = r.Page.Screenshot(c, shot.full)
				return err
			})
			if err != nil {
				fail(shot.file, err)
				continue
			}
			members[shot.file] = data
		}

		var html string
		err := bounded(func(c context.Context) (err error) {
			html, err = r.Page.PageHTML(c)
			return err
		})
		if err != nil {
			fail(ContentFile, err)
		} else {
			members[ContentFile] = []byte(html)
		}
	}

	if r.Env != nil {
		// The tree is taken once and the map derived from it, so both
		// describe the same snapshot.
		err := bounded(func(c context.Context) (err error) {
			state.ElementTree, err = r.Env.ElementTree(c)
			return err
		})
		if err != nil {
			fail("element_tree", err)
		} else {
			state.SelectorMap = schemas.NewSelectorMap(state.ElementTree)
		}
	}

	state.CaptureErrors = captureErrs
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		fail(StateFile, err)
	} else {
		members[StateFile] = data
	}

	if len(r.Log) > 0 {
		members[LogFile] = r.Log
	}
	return members, captureErrs
}
