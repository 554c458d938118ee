package timelapse

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const queueSize = 32

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type renderJob struct {
	name string
	fps  int
}

// Renderer turns captured frames into movies using a fixed pool of ffmpeg
// workers
type Renderer struct {
	opts   Options
	run    CommandRunner
	done   func(name string, err error)
	logger *logrus.Logger

	jobs     chan renderJob
	inFlight map[string]bool
	mutex    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRenderer(opts Options, run CommandRunner, done func(string, error), logger *logrus.Logger) *Renderer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Renderer{
		opts:     opts,
		run:      run,
		done:     done,
		logger:   logger,
		jobs:     make(chan renderJob, queueSize),
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit queues a job. It returns false when a job for the same name is
// already queued or running, or the renderer is closed. While the queue is
// full it waits until ctx is done.
func (r *Renderer) Submit(ctx context.Context, job renderJob) (bool, error) {
	r.mutex.Lock()
	if r.inFlight[job.name] || r.ctx.Err() != nil {
		r.mutex.Unlock()
		return false, nil
	}
	r.inFlight[job.name] = true
	r.mutex.Unlock()

	select {
	case r.jobs <- job:
		return true, nil
	case <-ctx.Done():
		r.finish(job.name)
		return false, errors.Wrap(ctx.Err(), "render queue is full")
	case <-r.ctx.Done():
		r.finish(job.name)
		return false, nil
	}
}

func (r *Renderer) InFlight(name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.inFlight[name]
}

// Close stops the workers after their current job
func (r *Renderer) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Renderer) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.jobs:
			err := r.render(job)
			r.finish(job.name)
			if r.done != nil {
				r.done(job.name, err)
			}
		}
	}
}

func (r *Renderer) finish(name string) {
	r.mutex.Lock()
	delete(r.inFlight, name)
	r.mutex.Unlock()
}

func (r *Renderer) render(job renderJob) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.Timeout)
	defer cancel()

	output := filepath.Join(r.opts.Dir, job.name+".mpg")
	args := r.args(job, output)

	logger := r.logger.WithFields(logrus.Fields{
		"name":   job.name,
		"output": output,
	})
	logger.Info("Rendering timelapse")

	start := time.Now()
	out, err := r.run(ctx, r.opts.FFmpegPath, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		logger.WithError(err).WithField("ffmpeg", msg).Error("Rendering timelapse failed")
		if msg != "" {
			return errors.Wrapf(err, "ffmpeg failed: %s", msg)
		}
		return errors.Wrap(err, "ffmpeg failed")
	}

	if !r.opts.KeepFrames {
		frames, err := framesFor(r.opts.TmpDir, job.name)
		if err == nil {
			err = removeAll(frames)
		}
		if err != nil {
			logger.WithError(err).Warn("Failed to remove rendered frames")
		}
	}

	logger.WithField("duration", time.Since(start).String()).Info("Rendered timelapse")
	return nil
}

func (r *Renderer) args(job renderJob, output string) []string {
	input := filepath.Join(r.opts.TmpDir, fmt.Sprintf("%s-%%d.jpg", job.name))

	args := []string{
		"-framerate", strconv.Itoa(job.fps),
		"-loglevel", "error",
		"-i", input,
		"-vcodec", "mpeg2video",
		"-threads", strconv.Itoa(r.opts.Threads),
		"-r", "25",
		"-y",
	}
	if r.opts.Bitrate != "" {
		args = append(args, "-b:v", r.opts.Bitrate)
	}
	return append(args, "-f", "vob", output)
}
