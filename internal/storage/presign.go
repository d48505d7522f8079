package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PresignUploader follows the backend contract the original client used:
// request a presigned PUT URL for the chunk file name, then PUT the bytes
// directly with the recorder's content type.
type PresignUploader struct {
	BaseURL     string
	InterviewID string
	Folder      string
	Client      *http.Client
}

// NewPresignUploader constructs the uploader against the given backend base
// URL.
func NewPresignUploader(baseURL, interviewID, folder string) *PresignUploader {
	return &PresignUploader{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		InterviewID: interviewID,
		Folder:      folder,
		Client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type presignRequest struct {
	FileName    string `json:"fileName"`
	InterviewID string `json:"interviewId"`
	Folder      string `json:"folder"`
}

type presignResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Upload obtains a write destination for the key and uploads the chunk
// bytes to it. The returned URL is the destination without its signing query,
// suitable for registering against the interview report.
func (p *PresignUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if p.BaseURL == "" {
		return "", fmt.Errorf("storage: presign base URL not configured")
	}
	body, _ := json.Marshal(presignRequest{FileName: key, InterviewID: p.InterviewID, Folder: p.Folder})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/s3/upload-video", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: presign request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("storage: presign status=%d body=%s", resp.StatusCode, string(b))
	}
	var pr presignResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("storage: presign decode: %w", err)
	}
	if pr.Data.URL == "" {
		return "", fmt.Errorf("storage: presign returned empty url")
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, pr.Data.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	putReq.Header.Set("Content-Type", contentType)
	putResp, err := p.Client.Do(putReq)
	if err != nil {
		return "", fmt.Errorf("storage: chunk put: %w", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return "", fmt.Errorf("storage: chunk put status=%d", putResp.StatusCode)
	}
	if i := strings.Index(pr.Data.URL, "?"); i >= 0 {
		return pr.Data.URL[:i], nil
	}
	return pr.Data.URL, nil
}
