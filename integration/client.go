//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rossigee/street-coverage/pkg/types"
)

// CoverageClient handles HTTP communication with the coverage server
type CoverageClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (cc *CoverageClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, cc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cc.token != "" {
		req.Header.Set("Authorization", "Bearer "+cc.token)
	}

	resp, err := cc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (cc *CoverageClient) CreateArea(req types.CreateAreaRequest) (*types.AreaResponse, error) {
	var resp types.AreaResponse
	if err := cc.do(http.MethodPost, "/api/v1/areas", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (cc *CoverageClient) GetArea(areaID string) (*types.AreaResponse, error) {
	var resp types.AreaResponse
	if err := cc.do(http.MethodGet, "/api/v1/areas/"+areaID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (cc *CoverageClient) DeleteArea(areaID string) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := cc.do(http.MethodDelete, "/api/v1/areas/"+areaID, nil, &resp)
	return resp.JobID, err
}

func (cc *CoverageClient) RebuildArea(areaID string) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := cc.do(http.MethodPost, "/api/v1/areas/"+areaID+"/rebuild", nil, &resp)
	return resp.JobID, err
}

func (cc *CoverageClient) Segments(areaID, query string) ([]types.CoverageState, error) {
	var resp struct {
		Segments []types.CoverageState `json:"segments"`
	}
	if err := cc.do(http.MethodGet, "/api/v1/areas/"+areaID+"/segments"+query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Segments, nil
}

func (cc *CoverageClient) MarkSegment(areaID, segmentID string, status types.SegmentStatus) (*types.CoverageState, error) {
	var resp types.CoverageState
	err := cc.do(http.MethodPut, "/api/v1/areas/"+areaID+"/segments/"+segmentID+"/mark",
		types.MarkSegmentRequest{Status: status}, &resp)
	return &resp, err
}

func (cc *CoverageClient) TripCompleted(trip *types.Trip) (*types.TripCompletedResponse, error) {
	var resp types.TripCompletedResponse
	err := cc.do(http.MethodPost, "/api/v1/trips/completed",
		types.TripCompletedRequest{TripID: trip.TransactionID, Trip: trip}, &resp)
	return &resp, err
}

func (cc *CoverageClient) GetJob(jobID string) (*types.Job, error) {
	var resp types.Job
	if err := cc.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (cc *CoverageClient) WaitForCompletion(jobID string, timeout time.Duration) (*types.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for job completion")
		case <-ticker.C:
			job, err := cc.GetJob(jobID)
			if err != nil {
				return nil, err
			}
			if job.Status.Terminal() {
				return job, nil
			}
		}
	}
}
