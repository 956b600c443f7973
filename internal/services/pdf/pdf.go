// -----------------------------------------------------------------------
// PDF Service - fetch and text extraction for PDF sources
// Uses pdfcpu for Go-native PDF processing
// -----------------------------------------------------------------------

package pdf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
)

const (
	maxRedirects = 5
	maxPDFBytes  = 100 << 20
)

// Document is the extracted content of one PDF source
type Document struct {
	Title     string
	Text      string
	PageCount int
	Size      int
}

// Service fetches PDFs over HTTP and extracts their text
type Service struct {
	client    *http.Client
	userAgent string
	tempDir   string
	logger    arbor.ILogger
}

// New creates a PDF service with a scratch directory for pdfcpu processing
func New(timeout time.Duration, userAgent string, logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "colligo-pdf")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
		tempDir:   tempDir,
		logger:    logger,
	}
}

// Ingest fetches the PDF and extracts its full text. The title is derived
// from the URL filename stem.
func (s *Service) Ingest(ctx context.Context, pdfURL string) (*Document, error) {
	content, err := s.fetch(ctx, pdfURL)
	if err != nil {
		return nil, err
	}

	doc, err := s.extract(content)
	if err != nil {
		return nil, err
	}
	doc.Title = titleFromURL(pdfURL)

	s.logger.Info().
		Str("url", pdfURL).
		Int("pages", doc.PageCount).
		Int("bytes", doc.Size).
		Int("text_length", len(doc.Text)).
		Msg("PDF ingested")

	return doc, nil
}

func (s *Service) fetch(ctx context.Context, pdfURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/pdf, application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PDF: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("PDF fetch returned status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF body: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("PDF fetch returned an empty body")
	}

	return content, nil
}

// extract writes the bytes to a scratch file and pulls per-page content
// through pdfcpu, concatenating pages in order
func (s *Service) extract(content []byte) (*Document, error) {
	scratch := uuid.NewString()
	tempFile := filepath.Join(s.tempDir, scratch+".pdf")
	if err := os.WriteFile(tempFile, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF context: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(s.tempDir, scratch)
	os.MkdirAll(outDir, 0755)
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(tempFile, outDir, nil, model.NewDefaultConfiguration()); err != nil {
		return nil, fmt.Errorf("failed to extract PDF content: %w", err)
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(data)
		} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(data)
		}
	}

	var text strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		page := strings.TrimSpace(pageTexts[pageNum])
		if page == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(page)
	}

	return &Document{
		Text:      text.String(),
		PageCount: pageCount,
		Size:      len(content),
	}, nil
}

// titleFromURL turns the URL's filename stem into a readable title
func titleFromURL(pdfURL string) string {
	u, err := url.Parse(pdfURL)
	if err != nil {
		return pdfURL
	}

	base := path.Base(u.Path)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "/" || stem == "." {
		return pdfURL
	}

	stem = strings.NewReplacer("-", " ", "_", " ", "%20", " ").Replace(stem)
	return strings.Join(strings.Fields(stem), " ")
}
