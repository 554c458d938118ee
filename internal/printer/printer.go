package printer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type State struct {
	Printing bool `json:"printing"`
	Paused   bool `json:"paused"`
}

// Tracker holds the last known printer state
type Tracker struct {
	state  State
	mutex  sync.RWMutex
	client *http.Client
	logger *logrus.Logger
}

func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (t *Tracker) IsPrinting() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state.Printing
}

func (t *Tracker) IsPaused() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state.Paused
}

func (t *Tracker) State() State {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state
}

func (t *Tracker) SetState(state State) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if state != t.state {
		t.logger.WithFields(logrus.Fields{
			"printing": state.Printing,
			"paused":   state.Paused,
		}).Info("Printer state changed")
	}
	t.state = state
}

// statusResponse mirrors the subset of an OctoPrint style /api/printer
// response we care about
type statusResponse struct {
	State struct {
		Flags State `json:"flags"`
	} `json:"state"`
}

// Watch polls url every interval until ctx is done. Failed polls keep the
// last known state.
func (t *Tracker) Watch(ctx context.Context, url string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.Poll(ctx, url); err != nil {
			t.logger.WithError(err).WithField("url", url).Warn("Failed to poll printer state")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the printer state once
func (t *Tracker) Poll(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to fetch printer state")
	}
	defer resp.Body.Close()

	// OctoPrint answers 409 when the printer is not operational
	if resp.StatusCode == http.StatusConflict {
		t.SetState(State{})
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("printer state request returned status %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return errors.Wrap(err, "failed to decode printer state")
	}

	t.SetState(status.State.Flags)
	return nil
}
