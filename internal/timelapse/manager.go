package timelapse

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"printlapse/pkg/types"
)

var (
	ErrNotFound      = errors.New("timelapse not found")
	ErrInvalidName   = errors.New("invalid timelapse name")
	ErrInvalidConfig = errors.New("invalid timelapse config")
)

// ConfigStore persists the timelapse configuration across restarts
type ConfigStore interface {
	GetTimelapseConfig() (*types.TimelapseConfig, error)
	SetTimelapseConfig(cfg types.TimelapseConfig) error
}

type Options struct {
	Dir        string
	TmpDir     string
	FFmpegPath string
	Bitrate    string
	Threads    int
	Workers    int
	Timeout    time.Duration
	KeepFrames bool
}

// Manager owns the current timelapse configuration and the finished and
// unrendered timelapses on disk
type Manager struct {
	dir      string
	tmpDir   string
	store    ConfigStore
	renderer *Renderer
	logger   *logrus.Logger

	current types.TimelapseConfig
	mutex   sync.RWMutex

	listeners []func(name string, err error)
	listenMu  sync.RWMutex
}

func New(opts Options, store ConfigStore, logger *logrus.Logger) (*Manager, error) {
	return newManager(opts, store, logger, execCommand)
}

func newManager(opts Options, store ConfigStore, logger *logrus.Logger, run CommandRunner) (*Manager, error) {
	for _, dir := range []string{opts.Dir, opts.TmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	m := &Manager{
		dir:     opts.Dir,
		tmpDir:  opts.TmpDir,
		store:   store,
		logger:  logger,
		current: types.DefaultTimelapseConfig(),
	}

	saved, err := store.GetTimelapseConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load timelapse config")
	}
	if saved != nil {
		if err := Validate(*saved); err != nil {
			logger.WithError(err).Warn("Ignoring invalid persisted timelapse config")
		} else {
			m.current = *saved
		}
	}

	m.renderer = newRenderer(opts, run, m.movieDone, logger)
	return m, nil
}

// Close stops the render workers
func (m *Manager) Close() {
	m.renderer.Close()
}

func (m *Manager) Current() types.TimelapseConfig {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Configure replaces the current configuration, persisting it when asked to
func (m *Manager) Configure(ctx context.Context, cfg types.TimelapseConfig, persist bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if cfg.Type != types.TypeTimed {
		cfg.Options = types.TimelapseOptions{}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if persist {
		if err := m.store.SetTimelapseConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to persist timelapse config")
		}
	}
	m.current = cfg

	m.logger.WithFields(logrus.Fields{
		"type":     cfg.Type,
		"postRoll": cfg.PostRoll,
		"fps":      cfg.FPS,
		"persist":  persist,
	}).Info("Timelapse configuration changed")
	return nil
}

// Validate checks the bounds of every configuration field
func Validate(cfg types.TimelapseConfig) error {
	switch cfg.Type {
	case types.TypeOff, types.TypeZChange, types.TypeTimed:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown type %q", cfg.Type)
	}
	if cfg.PostRoll < 0 {
		return errors.Wrapf(ErrInvalidConfig, "postRoll must not be negative, got %d", cfg.PostRoll)
	}
	if cfg.FPS <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "fps must be positive, got %d", cfg.FPS)
	}
	if cfg.Type == types.TypeTimed && cfg.Options.Interval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "interval must be positive, got %d", cfg.Options.Interval)
	}
	return nil
}

// Render queues the frames of an unrendered timelapse for rendering
func (m *Manager) Render(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidName(name); err != nil {
		return err
	}

	frames, err := m.frames(name)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.Wrapf(ErrNotFound, "no frames for %s", name)
	}

	job := renderJob{name: name, fps: m.Current().FPS}
	queued, err := m.renderer.Submit(ctx, job)
	if err != nil {
		return err
	}
	if !queued {
		m.logger.WithField("name", name).Debug("Render already in progress")
		return nil
	}

	m.logger.WithFields(logrus.Fields{
		"name":   name,
		"frames": len(frames),
		"fps":    job.fps,
	}).Info("Queued timelapse for rendering")
	return nil
}

// OnMovieDone registers fn to be called after every render attempt. err is
// nil when the movie was written.
func (m *Manager) OnMovieDone(fn func(name string, err error)) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) movieDone(name string, err error) {
	m.listenMu.RLock()
	listeners := append([]func(string, error){}, m.listeners...)
	m.listenMu.RUnlock()

	for _, fn := range listeners {
		fn(name, err)
	}
}

// ConfigRepr is a stable textual form of the configuration, used in cache
// validators
func ConfigRepr(cfg types.TimelapseConfig) string {
	repr := cfg.Type + ":" + strconv.Itoa(cfg.PostRoll) + ":" + strconv.Itoa(cfg.FPS)
	if cfg.Type == types.TypeTimed {
		repr += ":" + strconv.Itoa(cfg.Options.Interval)
	}
	return repr
}
