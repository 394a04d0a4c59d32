// Package modelmeta implements the model-metadata client and the
// weights-download client external collaborators (§1), both backed by
// github.com/gomlx/go-huggingface/hub, grounded on
// pkg/inference/models/manager.go's PullModel (repo := hub.New(model)...,
// repo.IterFileNames(), repo.DownloadFiles(...)).
package modelmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/TKontu/vllm-gateway/internal/logging"
)

// Client fetches config.json metadata and lists/downloads repo weight
// files from Hugging Face.
type Client struct {
	httpClient *http.Client
	cacheDir   string
	log        logging.Logger
}

func New(httpClient *http.Client, cacheDir string, log logging.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cacheDir == "" {
		cacheDir = hub.DefaultCacheDir()
	}
	return &Client{httpClient: httpClient, cacheDir: cacheDir, log: log}
}

// maxLenKeys is the key precedence from §4.4's "Max-length discovery":
// max_position_embeddings, then n_positions, then model_max_length.
var maxLenKeys = []string{"max_position_embeddings", "n_positions", "model_max_length"}

// FetchMaxLen fetches config.json for repoID and returns the first of
// maxLenKeys present as an integer. Any failure (network error, absent
// keys) yields 0, meaning "no cap advertised", exactly per §4.4.
func (c *Client) FetchMaxLen(ctx context.Context, repoID string) int {
	url := fmt.Sprintf("https://huggingface.co/%s/resolve/main/config.json", repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithField("repo_id", repoID).WithError(err).Debug("modelmeta: config.json fetch failed")
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0
	}
	for _, key := range maxLenKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		}
	}
	return 0
}

// ListGGUFFiles lists every *.gguf file in repoID (§4.4 step 2).
func (c *Client) ListGGUFFiles(repoID string) ([]string, error) {
	repo := hub.New(repoID).WithCacheDir(c.cacheDir)
	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("enumerating remote files for %s: %w", repoID, err)
		}
		if strings.HasSuffix(fileName, ".gguf") {
			files = append(files, fileName)
		}
	}
	return files, nil
}

// Download fetches filename from repoID into the host cache and returns
// its local path (§4.4 step 4: "blocking I/O dispatched off the
// request-serving thread pool" — callers invoke this from a worker
// goroutine, never directly on a connection-handling goroutine).
func (c *Client) Download(repoID, filename string) (string, error) {
	repo := hub.New(repoID).WithCacheDir(c.cacheDir)
	paths, err := repo.DownloadFiles(filename)
	if err != nil {
		return "", fmt.Errorf("downloading %s/%s: %w", repoID, filename, err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("download of %s/%s returned no local path", repoID, filename)
	}
	return paths[0], nil
}
