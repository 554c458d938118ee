package handlers

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"printlapse/internal/auth"
	"printlapse/internal/cache"
	"printlapse/internal/timelapse"
	"printlapse/pkg/types"
)

const DownloadPrefix = "/downloads/timelapse/"

// Timelapses is the timelapse subsystem the handlers delegate to
type Timelapses interface {
	Current() types.TimelapseConfig
	Configure(ctx context.Context, cfg types.TimelapseConfig, persist bool) error
	Finished() ([]types.TimelapseFile, error)
	Unrendered() ([]types.UnrenderedTimelapse, error)
	LastModified() (finished, unrendered time.Time)
	DeleteFinished(name string) error
	DeleteUnrendered(name string) error
	Render(ctx context.Context, name string) error
}

type PrinterState interface {
	IsPrinting() bool
	IsPaused() bool
}

// Cache is the part of the response cache the handlers invalidate
type Cache interface {
	InvalidateMatching(match func(key string) bool) int
}

var renderCommands = map[string][]string{
	"render": nil,
}

type TimelapseHandler struct {
	timelapses Timelapses
	printer    PrinterState
	cache      Cache
	logger     *logrus.Logger
}

func NewTimelapseHandler(timelapses Timelapses, printer PrinterState, responses Cache, logger *logrus.Logger) *TimelapseHandler {
	return &TimelapseHandler{
		timelapses: timelapses,
		printer:    printer,
		cache:      responses,
		logger:     logger,
	}
}

// GET /api/v1/timelapse
func (h *TimelapseHandler) List(w http.ResponseWriter, r *http.Request) {
	h.sendListing(w, r, isTruthy(r.URL.Query().Get("unrendered")))
}

// GET /api/v1/timelapse/{filename}
func (h *TimelapseHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if err := timelapse.ValidName(name); err != nil {
		h.fail(w, r, name, err)
		return
	}
	http.Redirect(w, r, DownloadPrefix+url.PathEscape(name), http.StatusFound)
}

// DELETE /api/v1/timelapse/{filename}
func (h *TimelapseHandler) DeleteFinished(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if err := h.timelapses.DeleteFinished(name); err != nil {
		h.fail(w, r, name, err)
		return
	}

	h.cache.InvalidateMatching(cache.FinishedViews())
	h.sendListing(w, r, isTruthy(r.URL.Query().Get("unrendered")))
}

// DELETE /api/v1/timelapse/unrendered/{name}
func (h *TimelapseHandler) DeleteUnrendered(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.timelapses.DeleteUnrendered(name); err != nil {
		h.fail(w, r, name, err)
		return
	}

	h.cache.InvalidateMatching(cache.FinishedViews())
	sendNoContent(w)
}

// POST /api/v1/timelapse/unrendered/{name}
func (h *TimelapseHandler) Command(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	command, _, err := parseCommand(r, renderCommands)
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}

	switch command {
	case "render":
		if h.printer.IsPrinting() || h.printer.IsPaused() {
			sendText(w, http.StatusConflict, "Printer is currently printing, cannot render timelapse")
			return
		}
		if err := h.timelapses.Render(r.Context(), name); err != nil {
			h.fail(w, r, name, err)
			return
		}
		h.cache.InvalidateMatching(cache.RenderedViews())
	}

	sendNoContent(w)
}

// POST /api/v1/timelapse
func (h *TimelapseHandler) Configure(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}

	if p.has("type") {
		cfg, err := configFromParams(p)
		if err != nil {
			sendText(w, http.StatusBadRequest, err.Error())
			return
		}

		persist := auth.IsAdmin(r.Context()) && isTruthy(p["save"])
		if err := h.timelapses.Configure(r.Context(), cfg, persist); err != nil {
			h.fail(w, r, "", err)
			return
		}
		h.cache.InvalidateMatching(cache.RenderedViews())
	}

	h.sendListing(w, r, isTruthy(p["unrendered"]))
}

func configFromParams(p params) (types.TimelapseConfig, error) {
	cfg := types.TimelapseConfig{Type: p["type"]}
	switch cfg.Type {
	case types.TypeOff, types.TypeZChange, types.TypeTimed:
	default:
		return cfg, badRequest("Invalid value for type: %s", cfg.Type)
	}

	var err error
	if cfg.PostRoll, err = p.intParam("postRoll", types.DefaultPostRoll, nonNegative); err != nil {
		return cfg, err
	}
	if cfg.FPS, err = p.intParam("fps", types.DefaultFPS, positive); err != nil {
		return cfg, err
	}

	interval, err := p.intParam("interval", types.DefaultInterval, positive)
	if err != nil {
		return cfg, err
	}
	if cfg.Type == types.TypeTimed {
		cfg.Options.Interval = interval
	}
	return cfg, nil
}

// CacheKey names the cached listing view for r
func (h *TimelapseHandler) CacheKey(r *http.Request) string {
	return "view:" + baseURL(r) + ":" + viewMode(r)
}

// Validators derives the listing's ETag and Last-Modified from the files on
// disk and the current configuration
func (h *TimelapseHandler) Validators(r *http.Request) (string, time.Time) {
	finished, unrendered := h.timelapses.LastModified()

	var lastModified time.Time
	if !finished.IsZero() && !unrendered.IsZero() {
		lastModified = finished
		if unrendered.After(lastModified) {
			lastModified = unrendered
		}
	}

	hash := sha1.New()
	if lastModified.IsZero() {
		// no usable mtime, so the finished files themselves identify the state
		hash.Write([]byte("unknown"))
		if files, err := h.timelapses.Finished(); err == nil {
			for _, file := range files {
				hash.Write([]byte(file.Name + ":" + strconv.FormatInt(file.Bytes, 10) + ":" + strconv.FormatInt(file.Timestamp, 10) + "\n"))
			}
		}
	} else {
		hash.Write([]byte(strconv.FormatInt(lastModified.UnixNano(), 10)))
	}
	hash.Write([]byte(timelapse.ConfigRepr(h.timelapses.Current())))
	hash.Write([]byte(viewMode(r)))

	return hex.EncodeToString(hash.Sum(nil)), lastModified
}

func viewMode(r *http.Request) string {
	if isTruthy(r.URL.Query().Get("unrendered")) {
		return "both"
	}
	return "finished"
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func (h *TimelapseHandler) sendListing(w http.ResponseWriter, r *http.Request, withUnrendered bool) {
	files, err := h.timelapses.Finished()
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	for i := range files {
		files[i].URL = DownloadPrefix + url.PathEscape(files[i].Name)
	}

	response := map[string]interface{}{
		"config": configView(h.timelapses.Current()),
		"files":  files,
	}

	if withUnrendered {
		unrendered, err := h.timelapses.Unrendered()
		if err != nil {
			h.fail(w, r, "", err)
			return
		}
		response["unrendered"] = unrendered
	}

	sendJSON(w, http.StatusOK, response)
}

func configView(cfg types.TimelapseConfig) map[string]interface{} {
	if !cfg.Enabled() {
		return map[string]interface{}{"type": types.TypeOff}
	}

	view := map[string]interface{}{
		"type":     cfg.Type,
		"postRoll": cfg.PostRoll,
		"fps":      cfg.FPS,
	}
	if cfg.Type == types.TypeTimed {
		view["interval"] = cfg.Options.Interval
	}
	return view
}

// fail maps subsystem errors to responses
func (h *TimelapseHandler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		sendText(w, http.StatusBadRequest, reqErr.Error())
	case errors.Is(err, timelapse.ErrInvalidName):
		sendText(w, http.StatusBadRequest, "Invalid timelapse name: "+name)
	case errors.Is(err, timelapse.ErrInvalidConfig):
		sendText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, timelapse.ErrNotFound):
		sendText(w, http.StatusNotFound, "Unknown timelapse: "+name)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		sendText(w, http.StatusServiceUnavailable, "Render queue is full, try again later")
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"name":   name,
		}).Error("Timelapse operation failed")
		sendError(w, http.StatusInternalServerError, err.Error())
	}
}
