// Package backend is a development stand-in for the clone job service. It
// accepts clone requests, runs them through a Pipeline in the background and
// pushes status events to websocket subscribers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"cloner/internal/domain"
	"cloner/internal/infra"
	"cloner/internal/storage"
	"cloner/pkg/zip"
)

const (
	msgScraping = "Scraping website content..."
	msgCloning  = "Generating clone with AI..."
)

var (
	ErrInvalidURL   = errors.New("invalid url")
	ErrNotCompleted = errors.New("clone request is not completed")
	ErrNoArtifact   = errors.New("no HTML content available")
)

// Options wires a Service.
type Options struct {
	Pipeline      Pipeline
	Store         *storage.FileStore
	PublicBaseURL string
	HTTPClient    *http.Client
	Logger        *infra.Logger
}

// Service owns clone requests and their status feed.
type Service struct {
	registry   *Registry
	hub        *Hub
	pipeline   Pipeline
	store      *storage.FileStore
	publicBase string
	httpClient *http.Client
	logger     infra.Logger

	// statusMu orders record updates with the events subscribers see.
	statusMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("backend: pipeline is required")
	}
	if opts.Store == nil {
		return nil, errors.New("backend: store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := infra.LoggerOrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:   NewRegistry(),
		hub:        NewHub(logger),
		pipeline:   opts.Pipeline,
		store:      opts.Store,
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		httpClient: client,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Submit validates targetURL, registers a request and starts processing it.
func (s *Service) Submit(targetURL string) (Record, error) {
	target, err := normalizeTarget(targetURL)
	if err != nil {
		return Record{}, err
	}
	if err := s.ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("backend: shutting down: %w", err)
	}
	rec := s.registry.Create(target)
	s.logger.Info().Str("job_id", rec.ID).Str("url", target).Msg("backend: clone requested")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(rec.ID, target)
	}()
	return rec, nil
}

func normalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// Get returns the request record.
func (s *Service) Get(id string) (Record, error) {
	return s.registry.Get(id)
}

// List returns all known requests, newest first.
func (s *Service) List() []Record {
	return s.registry.List()
}

// ResultURL is the public locator of the finished artifact.
func (s *Service) ResultURL(id string) string {
	return s.publicBase + "/api/clone/" + url.PathEscape(id) + "/html"
}

// Artifact returns the cloned HTML of a completed request.
func (s *Service) Artifact(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.PhaseCompleted {
		return nil, fmt.Errorf("%w (status: %s)", ErrNotCompleted, rec.Status)
	}
	if rec.ArtifactKey == "" {
		return nil, ErrNoArtifact
	}
	data, err := s.store.Read(ctx, rec.ArtifactKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoArtifact
		}
		return nil, err
	}
	return data, nil
}

// Bundle zips the artifact of a completed request.
func (s *Service) Bundle(ctx context.Context, id string) ([]byte, error) {
	html, err := s.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return zip.Bundle([]zip.Entry{{Name: "index.html", Data: html, Modified: rec.CompletedAt}})
}

// FetchAsset proxies assetPath from the origin of the request's target site.
// The caller closes the returned body.
func (s *Service) FetchAsset(ctx context.Context, id, assetPath string) (io.ReadCloser, string, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return nil, "", err
	}
	origin, err := url.Parse(rec.URL)
	if err != nil {
		return nil, "", ErrInvalidURL
	}
	clean := path.Clean("/" + strings.TrimPrefix(assetPath, "/"))
	assetURL := origin.Scheme + "://" + origin.Host + clean
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch asset %s: %w", assetURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: asset %s", domain.ErrNotFound, clean)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return resp.Body, contentType, nil
}

// ServeStatus upgrades the request to a websocket that first receives the
// current status of id, then every later event.
func (s *Service) ServeStatus(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := s.hub.upgrade(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Str("job_id", id).Msg("backend: websocket upgrade failed")
		return
	}

	// Registration and the initial frame share statusMu with publish so the
	// subscriber sees the current status before any later event.
	s.statusMu.Lock()
	s.hub.add(id, sub)
	if rec, err := s.registry.Get(id); err == nil {
		payload, err := encodeEvent(s.currentEvent(rec))
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("backend: encode initial status")
		} else if !sub.enqueue(payload) {
			s.logger.Debug().Str("job_id", id).Msg("backend: initial status not queued")
		}
	}
	s.statusMu.Unlock()

	s.hub.serve(id, sub)
}

// Subscribers reports how many status sockets watch id.
func (s *Service) Subscribers(id string) int {
	return s.hub.Count(id)
}

// Shutdown cancels in-flight work and waits for it to stop. Status sockets
// get a going-away frame even when ctx expires first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.hub.CloseAll()
	return err
}

func (s *Service) currentEvent(rec Record) domain.StatusEvent {
	ev := domain.StatusEvent{JobID: rec.ID, Phase: rec.Status, Message: rec.Message, URL: rec.URL}
	switch rec.Status {
	case domain.PhaseCompleted:
		ev.URL = s.ResultURL(rec.ID)
	case domain.PhaseFailed:
		ev.Error = rec.Error
		if ev.Error == "" {
			ev.Error = "Unknown error"
		}
	}
	return ev
}

func (s *Service) process(id, target string) {
	ctx := s.ctx
	log := s.logger.With().Str("job_id", id).Logger()

	s.publish(id, domain.PhaseScraping, msgScraping, nil)
	page, err := s.pipeline.Scrape(ctx, target)
	if err != nil {
		log.Warn().Err(err).Msg("backend: scrape failed")
		s.fail(id, err)
		return
	}

	s.publish(id, domain.PhaseCloning, msgCloning, nil)
	html, err := s.pipeline.Generate(ctx, page)
	if err != nil {
		log.Warn().Err(err).Msg("backend: generation failed")
		s.fail(id, err)
		return
	}

	key, err := s.store.Write(ctx, path.Join("clones", id, "index.html"), html)
	if err != nil {
		log.Error().Err(err).Msg("backend: store artifact failed")
		s.fail(id, err)
		return
	}
	meta := Metadata{
		OriginalURL: target,
		FinalURL:    page.FinalURL,
		ContentType: page.ContentType,
		Method:      pipelineName(s.pipeline),
	}
	s.publish(id, domain.PhaseCompleted, "", func(rec *Record) {
		rec.ArtifactKey = key
		rec.Metadata = meta
	})
	log.Info().Int("bytes", len(html)).Msg("backend: clone completed")
}

func pipelineName(p Pipeline) string {
	if named, ok := p.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "custom"
}

func (s *Service) fail(id string, cause error) {
	s.publish(id, domain.PhaseFailed, "", func(rec *Record) { rec.Error = cause.Error() })
}

func (s *Service) publish(id string, phase domain.Phase, message string, mutate func(*Record)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	rec, err := s.registry.Update(id, func(rec *Record) {
		rec.Status = phase
		rec.Message = message
		if mutate != nil {
			mutate(rec)
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("backend: update status")
		return
	}
	s.hub.Broadcast(s.currentEvent(rec))
}
