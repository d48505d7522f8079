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

// ReportClient registers uploaded chunk URLs against the interview report.
type ReportClient struct {
	BaseURL string
	Client  *http.Client
}

// NewReportClient constructs a client for the report backend.
func NewReportClient(baseURL string) *ReportClient {
	return &ReportClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type reportRecordingRequest struct {
	InterviewID    string `json:"interview_id"`
	S3RecordingURL string `json:"s3RecordingUrl"`
}

// RegisterRecording records one uploaded chunk URL. Called once per
// successfully uploaded chunk.
func (r *ReportClient) RegisterRecording(ctx context.Context, interviewID, recordingURL string) error {
	if r.BaseURL == "" {
		return fmt.Errorf("storage: report base URL not configured")
	}
	body, _ := json.Marshal(reportRecordingRequest{InterviewID: interviewID, S3RecordingURL: recordingURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.BaseURL+"/report/recording", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: report request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("storage: report status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
