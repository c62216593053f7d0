// Package langdata provisions the language resources the tokenizer's primary
// path depends on. The provider downloads an English stop-word corpus into a
// local data directory; when provisioning fails the tokenizer keeps working
// in degraded mode.
package langdata

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pakfur/metascan/pkg/config"
	apperrors "github.com/pakfur/metascan/pkg/errors"
	"github.com/pakfur/metascan/pkg/resilience"
)

const stopWordsFile = "stopwords-en.txt"

// Provider manages the on-disk language data.
type Provider struct {
	dataDir   string
	sourceURL string
	http      *http.Client
	mu        sync.Mutex
	cached    map[string]struct{}
	logger    *slog.Logger
}

// New creates a Provider rooted at the configured data directory.
func New(cfg config.LangDataConfig) *Provider {
	return &Provider{
		dataDir:   cfg.DataDir,
		sourceURL: cfg.SourceURL,
		http:      &http.Client{},
		logger:    slog.Default().With("component", "langdata"),
	}
}

func (p *Provider) path() string {
	return filepath.Join(p.dataDir, stopWordsFile)
}

// IsAvailable reports whether the stop-word corpus is present on disk.
func (p *Provider) IsAvailable() bool {
	info, err := os.Stat(p.path())
	return err == nil && info.Size() > 0
}

// EnsureAvailable downloads the corpus if it is missing. The file is written
// to a temp path and renamed so a partial download never looks available.
func (p *Provider) EnsureAvailable(ctx context.Context) error {
	if p.IsAvailable() {
		return nil
	}
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return apperrors.Newf(apperrors.ErrDataUnavailable, http.StatusBadGateway,
			"creating language data directory: %v", err)
	}
	err := resilience.Retry(ctx, "langdata-download", resilience.RetryConfig{}, func() error {
		return p.download(ctx)
	})
	if err != nil {
		return apperrors.Newf(apperrors.ErrDataUnavailable, http.StatusBadGateway,
			"provisioning stop-words from %s: %v", p.sourceURL, err)
	}
	p.logger.Info("language data provisioned", "path", p.path())
	return nil
}

func (p *Provider) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.sourceURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp := p.path() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p.path())
}

// StopWords loads the corpus, one word per line, lower-cased. The parsed set
// is cached for the process lifetime.
func (p *Provider) StopWords() (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached, nil
	}
	f, err := os.Open(p.path())
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrDataUnavailable, http.StatusBadGateway,
			"opening stop-words: %v", err)
	}
	defer f.Close()

	words := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word != "" {
			words[word] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Newf(apperrors.ErrDataUnavailable, http.StatusBadGateway,
			"reading stop-words: %v", err)
	}
	p.cached = words
	return words, nil
}
