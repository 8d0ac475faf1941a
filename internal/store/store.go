// Package store persists the run state and the plan as JSON documents in the
// state directory. Every write goes to a temp file in the same directory and
// is renamed into place, so a reader never sees a half-written document.
// Every load is decoded strictly and validated; a document that does not
// satisfy the domain invariants is reported as corrupted, never repaired.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
)

// Document file names inside the state directory.
const (
	StateFile   = "state.json"
	PlanFile    = "plan.json"
	HandoffDir  = "handoffs"
	ReportDir   = "reports"
	MetricsFile = "metrics.prom"
	// DraftFile is where the planning agent writes its task list.
	DraftFile = "tasks.yaml"
)

// Document names used in errors and logs.
const (
	docState = "state"
	docPlan  = "plan"
)

// Store reads and writes the documents of one state directory.
type Store struct {
	fs       afero.Fs
	dir      string
	validate *validator.Validate
	logger   *logging.Logger
	mu       sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a store for dir on fs.
func New(fs afero.Fs, dir string, opts ...Option) *Store {
	s := &Store{
		fs:       fs,
		dir:      dir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// NewOS returns a store for dir on the real filesystem.
func NewOS(dir string, opts ...Option) *Store {
	return New(afero.NewOsFs(), dir, opts...)
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// Path returns the path of name inside the state directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Initialized reports whether a run state document exists.
func (s *Store) Initialized() bool {
	ok, err := afero.Exists(s.fs, s.Path(StateFile))
	return err == nil && ok
}

// Init writes the first run state and plan. It fails with
// ErrAlreadyInitialized when a run state exists, unless force is set.
func (s *Store) Init(rs *state.RunState, p *plan.Plan, force bool) error {
	if s.Initialized() && !force {
		return errors.NewStateError("init", docState, s.Path(StateFile), errors.ErrAlreadyInitialized)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.NewStateError("init", docState, s.dir, errors.ErrPersistenceFailure).WithDetail(err.Error())
	}
	return s.SaveBoth(rs, p)
}

// LoadRunState reads and validates the run state.
func (s *Store) LoadRunState() (*state.RunState, error) {
	var rs state.RunState
	if err := s.load(docState, StateFile, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadPlan reads and validates the plan.
func (s *Store) LoadPlan() (*plan.Plan, error) {
	var p plan.Plan
	if err := s.load(docPlan, PlanFile, &p); err != nil {
		return nil, err
	}
	if p.Tasks == nil {
		p.Tasks = []plan.Task{}
	}
	return &p, nil
}

// Load reads both documents.
func (s *Store) Load() (*state.RunState, *plan.Plan, error) {
	rs, err := s.LoadRunState()
	if err != nil {
		return nil, nil, err
	}
	p, err := s.LoadPlan()
	if err != nil {
		return nil, nil, err
	}
	return rs, p, nil
}

// SaveRunState atomically replaces the run state document.
func (s *Store) SaveRunState(rs *state.RunState) error {
	return s.save(docState, StateFile, rs)
}

// SavePlan atomically replaces the plan document.
func (s *Store) SavePlan(p *plan.Plan) error {
	return s.save(docPlan, PlanFile, p)
}

// SaveBoth writes the run state and then the plan. Each write is atomic on
// its own.
func (s *Store) SaveBoth(rs *state.RunState, p *plan.Plan) error {
	if err := s.SaveRunState(rs); err != nil {
		return err
	}
	return s.SavePlan(p)
}

// SaveReport writes v as reports/<name>.json and returns the path relative
// to the state directory.
func (s *Store) SaveReport(name string, v any) (string, error) {
	rel := filepath.Join(ReportDir, name+".json")
	if err := s.save("report", rel, v); err != nil {
		return "", err
	}
	return rel, nil
}

// WriteHandoff writes a handoff note as handoffs/<name>.md and returns the
// path relative to the state directory.
func (s *Store) WriteHandoff(name string, content []byte) (string, error) {
	rel := filepath.Join(HandoffDir, name+".md")
	if err := s.writeAtomic("handoff", rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

// Exists reports whether name exists inside the state directory.
func (s *Store) Exists(name string) bool {
	ok, err := afero.Exists(s.fs, s.Path(name))
	return err == nil && ok
}

// ReadFile returns the raw content of name inside the state directory. A
// missing file yields ErrStateNotFound.
func (s *Store) ReadFile(name string) ([]byte, error) {
	path := s.Path(name)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStateError("read", name, path, errors.ErrStateNotFound)
		}
		return nil, errors.NewStateError("read", name, path, errors.ErrPersistenceFailure).WithDetail(err.Error())
	}
	return data, nil
}

// WriteFile atomically writes raw bytes to name inside the state directory.
func (s *Store) WriteFile(name string, content []byte) error {
	return s.writeAtomic(name, name, content)
}

// Reset removes the run state, its handoff notes, reports and metrics, and
// the plan unless keepPlan is set. Configuration, policies and the debug log
// are kept. It returns the removed paths relative to the state directory;
// resetting twice removes nothing the second time.
func (s *Store) Reset(keepPlan bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := afero.DirExists(s.fs, s.dir); err != nil || !ok {
		return nil, errors.NewStateError("reset", docState, s.dir, errors.ErrNotInitialized)
	}

	targets := []string{StateFile, HandoffDir, ReportDir, MetricsFile}
	if !keepPlan {
		targets = append(targets, PlanFile, DraftFile)
	}

	var removed []string
	for _, name := range targets {
		path := s.Path(name)
		ok, err := afero.Exists(s.fs, path)
		if err != nil {
			return removed, errors.NewStateError("reset", name, path, errors.ErrPersistenceFailure).WithDetail(err.Error())
		}
		if !ok {
			continue
		}
		if err := s.fs.RemoveAll(path); err != nil {
			return removed, errors.NewStateError("reset", name, path, errors.ErrPersistenceFailure).WithDetail(err.Error())
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	s.logger.Info("state reset", "keep_plan", keepPlan, "removed", len(removed))
	return removed, nil
}

// Handoffs lists handoff note paths relative to the state directory, oldest first.
func (s *Store) Handoffs() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.Path(HandoffDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	var out []string
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".md") {
			out = append(out, filepath.Join(HandoffDir, info.Name()))
		}
	}
	return out, nil
}

func (s *Store) load(doc, name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewStateError("load", doc, path, errors.ErrStateNotFound)
		}
		return errors.NewStateError("load", doc, path, errors.ErrPersistenceFailure).WithDetail(err.Error())
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewStateError("load", doc, path, errors.ErrCorruptedState).WithDetail(err.Error())
	}
	if err := s.validate.Struct(v); err != nil {
		return errors.NewStateError("load", doc, path, errors.ErrCorruptedState).WithDetail(describe(err))
	}
	if dv, ok := v.(interface{ Validate() error }); ok {
		if err := dv.Validate(); err != nil {
			return errors.NewStateError("load", doc, path, errors.ErrCorruptedState).WithDetail(err.Error())
		}
	}
	return nil
}

func (s *Store) save(doc, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStateError("save", doc, s.Path(name), errors.ErrPersistenceFailure).WithDetail(err.Error())
	}
	return s.writeAtomic(doc, name, append(data, '\n'))
}

// writeAtomic writes data to a temp file next to the target and renames it
// into place. The temp file is removed on any failure.
func (s *Store) writeAtomic(doc, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	fail := func(step string, err error) error {
		s.logger.Error("state write failed", "document", doc, "path", path, "step", step, "error", err.Error())
		return errors.NewStateError("save", doc, path, errors.ErrPersistenceFailure).
			WithDetail(fmt.Sprintf("%s: %v", step, err))
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fail("create directory", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-"+filepath.Base(name)+"-*")
	if err != nil {
		return fail("create temp file", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fail("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fail("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close temp file", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return fail("rename", err)
	}

	success = true
	s.logger.Debug("document saved", "document", doc, "bytes", len(data))
	return nil
}

// describe flattens validator errors into one line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
