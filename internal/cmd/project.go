package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/plan"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/store"
)

// now is replaced in tests.
var now = time.Now

// project is everything a command needs about the project it runs in.
type project struct {
	dir        string
	stateDir   string
	configPath string
	cfg        *config.Config
	resolved   *config.Resolved
	logger     *logging.Logger
	store      *store.Store
}

// openProject resolves the project directory, configuration and logger.
// The debug log is only opened once the state directory exists so that
// commands run before init leave no trace.
func openProject(cmd *cobra.Command) (*project, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	env, err := config.Environment(os.Environ(), filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}

	// The state directory may itself be configured through the environment,
	// so it is resolved before the config file inside it is read.
	base := config.Load(config.DefaultsLayer{}, config.EnvLayer{Env: env})
	stateDir := base.Config.Paths.ResolveStateDir(dir)

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(stateDir, config.FileName)
	}
	resolved := config.Load(config.Standard(configPath, env)...)
	cfg := resolved.Config
	stateDir = cfg.Paths.ResolveStateDir(dir)

	p := &project{
		dir:        dir,
		stateDir:   stateDir,
		configPath: configPath,
		cfg:        cfg,
		resolved:   resolved,
		logger:     logging.NopLogger(),
	}
	if info, err := os.Stat(stateDir); err == nil && info.IsDir() {
		l, err := logging.NewLoggerWithRotation(stateDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: debug log disabled: %v\n", err)
		} else {
			p.logger = l.With("command", cmd.Name())
		}
	}
	for _, w := range resolved.Warnings {
		p.logger.Warn("config fallback", "warning", w)
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	p.store = store.NewOS(stateDir, store.WithLogger(p.logger))
	return p, nil
}

func (p *project) close() {
	_ = p.logger.Close()
}

// load reads both documents. A missing state directory is reported as
// ErrNotInitialized so the message tells the user what to run.
func (p *project) load() (*state.RunState, *plan.Plan, error) {
	if !p.store.Initialized() {
		return nil, nil, fmt.Errorf("%s: %w (run `cadence init` first)", p.stateDir, errors.ErrNotInitialized)
	}
	return p.store.Load()
}

// lockRun takes the run lock so a command that rewrites whole documents
// cannot race a running loop, which would overwrite the change when it saves
// its own copy. The returned func releases the lock.
func (p *project) lockRun() (func(), error) {
	if !p.store.Initialized() {
		return func() {}, nil
	}
	lock := store.NewRunLock(p.stateDir)
	held, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%s: %w (use `cadence pause` and wait for the run to stop)", lock.Path(), errors.ErrRunInProgress)
	}
	return func() { _ = lock.Unlock() }, nil
}

// update loads the run state, applies fn and saves it.
func (p *project) update(fn func(rs *state.RunState) error) (*state.RunState, error) {
	if !p.store.Initialized() {
		return nil, fmt.Errorf("%s: %w (run `cadence init` first)", p.stateDir, errors.ErrNotInitialized)
	}
	rs, err := p.store.LoadRunState()
	if err != nil {
		return nil, err
	}
	if err := fn(rs); err != nil {
		return nil, err
	}
	rs.Touch(now())
	if err := p.store.SaveRunState(rs); err != nil {
		return nil, err
	}
	return rs, nil
}
