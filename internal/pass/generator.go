package pass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
)

// TypeIDs maps each ecosystem to its pass type identifier.
type TypeIDs map[model.Ecosystem]string

// Ecosystem returns the ecosystem a type identifier belongs to.
func (t TypeIDs) Ecosystem(typeID string) (model.Ecosystem, bool) {
	for eco, id := range t {
		if id != "" && id == typeID {
			return eco, true
		}
	}
	return "", false
}

type Config struct {
	// BaseURL is where published artifacts are retrievable; the artifact URL
	// is BaseURL/<ecosystem>/<filename>.
	BaseURL string
	// WebServiceURL is the root of the wallet endpoints. Each pass points at
	// WebServiceURL/<ecosystem>.
	WebServiceURL string
	TypeIDs       TypeIDs
	Branding      Branding
}

// Artifact is a built, signed and published pass.
type Artifact struct {
	Ecosystem   model.Ecosystem
	Filename    string
	URL         string
	ContentType string
	Data        []byte
}

// Generator renders, signs, packages and publishes passes. Every call is a
// full rebuild; builds of one serial are serialized.
type Generator struct {
	cfg       Config
	signer    Signer
	assets    []Asset
	publisher Publisher
	locks     keyedMutex
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewGenerator(cfg Config, signer Signer, assets []Asset, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Generator {
	return &Generator{
		cfg:       cfg,
		signer:    signer,
		assets:    assets,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// UnavailableSigner returns a Signer that fails every build with err, for
// running without signing material. err should be a signing configuration
// error.
func UnavailableSigner(err error) Signer {
	var cfgErr *apperr.SigningConfigurationError
	if !errors.As(err, &cfgErr) {
		err = &apperr.SigningConfigurationError{Err: err}
	}
	return missingSigner{err: err}
}

func (g *Generator) TypeIDs() TypeIDs { return g.cfg.TypeIDs }

// URL returns where the artifact for key is published.
func (g *Generator) URL(k *model.Key) (string, error) {
	f, err := FormatFor(k.Ecosystem)
	if err != nil {
		return "", err
	}
	return g.url(f, k.Serial), nil
}

func (g *Generator) url(f Format, serial string) string {
	return strings.TrimRight(g.cfg.BaseURL, "/") + "/" + string(f.Ecosystem()) + "/" + Filename(f, serial)
}

// Build renders the pass for d, publishes it and returns it.
func (g *Generator) Build(ctx context.Context, d *model.KeyDetail) (*Artifact, error) {
	unlock := g.locks.lock(d.Key.Serial)
	defer unlock()

	start := time.Now()
	art, err := g.build(ctx, d)
	g.metrics.Artifact(string(d.Key.Ecosystem), err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("build pass %s: %w", d.Key.Serial, err)
	}
	g.logger.Debug("pass built", "serial", d.Key.Serial, "ecosystem", d.Key.Ecosystem, "bytes", len(art.Data))
	return art, nil
}

func (g *Generator) build(ctx context.Context, d *model.KeyDetail) (*Artifact, error) {
	if g.signer == nil {
		return nil, &apperr.SigningConfigurationError{Err: errors.New("no signer configured")}
	}
	f, err := FormatFor(d.Key.Ecosystem)
	if err != nil {
		return nil, err
	}
	typeID := g.cfg.TypeIDs[d.Key.Ecosystem]
	if typeID == "" {
		return nil, fmt.Errorf("no pass type id configured for %s", d.Key.Ecosystem)
	}

	url := g.url(f, d.Key.Serial)
	webService := ""
	if g.cfg.WebServiceURL != "" {
		webService = strings.TrimRight(g.cfg.WebServiceURL, "/") + "/" + string(d.Key.Ecosystem)
	}
	descriptor, err := f.Descriptor(Input{
		Detail:        *d,
		TypeID:        typeID,
		RetrievalURL:  url,
		WebServiceURL: webService,
		Branding:      g.cfg.Branding,
	})
	if err != nil {
		return nil, fmt.Errorf("render descriptor: %w", err)
	}

	files := make([]Asset, 0, len(g.assets)+3)
	files = append(files, Asset{Name: f.DescriptorName(), Data: descriptor})
	files = append(files, g.assets...)
	sortFiles(files)

	man, err := manifest(files)
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	sig, err := g.signer.Sign(man)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	files = append(files, Asset{Name: "manifest.json", Data: man}, Asset{Name: "signature", Data: sig})

	data, err := archive(files, d.Key.UpdatedAt)
	if err != nil {
		return nil, err
	}

	filename := Filename(f, d.Key.Serial)
	if err := g.publisher.Publish(ctx, f.Ecosystem(), filename, data); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &Artifact{
		Ecosystem:   f.Ecosystem(),
		Filename:    filename,
		URL:         url,
		ContentType: f.ContentType(),
		Data:        data,
	}, nil
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
