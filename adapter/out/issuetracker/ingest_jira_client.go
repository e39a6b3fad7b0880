// Package issuetracker implements the external issue tracker client.
package issuetracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/httputil"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/resilience"
)

// JiraClient implements out.IssueTracker against the JIRA REST API v2.
// Credentials come from the caller's per-user config, never from the
// environment.
type JiraClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewJiraClient creates a new JiraClient.
func NewJiraClient() *JiraClient {
	return &JiraClient{
		client:  httputil.IssueTrackerClient(),
		breaker: resilience.NewBreaker("jira"),
		log:     logger.Default().WithField("component", "jira"),
	}
}

type createIssuePayload struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   nameRef  `json:"issuetype"`
	Priority    *nameRef `json:"priority,omitempty"`
	Assignee    *nameRef `json:"assignee,omitempty"`
	EpicLink    string   `json:"customfield_10014,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// CreateIssue creates an issue and returns its external key.
func (c *JiraClient) CreateIssue(ctx context.Context, cfg *domain.JiraConfig, req out.CreateIssueRequest) (string, error) {
	payload := createIssuePayload{
		Fields: issueFields{
			Project:     keyRef{Key: req.ProjectKey},
			Summary:     req.Summary,
			Description: req.Description,
			IssueType:   nameRef{Name: req.IssueType},
			EpicLink:    req.EpicLink,
		},
	}
	if req.Priority != "" {
		payload.Fields.Priority = &nameRef{Name: req.Priority}
	}
	if req.Assignee != "" {
		payload.Fields.Assignee = &nameRef{Name: req.Assignee}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue payload: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL(cfg)+"/rest/api/2/issue", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.SetBasicAuth(cfg.Username, cfg.APIToken)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, apperr.TransientIO("jira request", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.TransientIO("jira response", err)
		}

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return nil, apperr.ExternalAPI("jira", resp.StatusCode,
				fmt.Errorf("issue creation returned %d: %s", resp.StatusCode, truncateBody(data)))
		}

		var parsed createIssueResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("invalid jira response: %w", err)
		}
		if parsed.Key == "" {
			return nil, fmt.Errorf("jira response missing issue key")
		}
		return parsed.Key, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", apperr.ExternalAPI("jira", 0, err)
		}
		return "", err
	}

	key := result.(string)
	c.log.WithField("issue_key", key).Info("created issue")
	return key, nil
}

// AddAttachment uploads a single file to an existing issue.
func (c *JiraClient) AddAttachment(ctx context.Context, cfg *domain.JiraConfig, externalID, filePath, filename string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return apperr.TransientIO("open attachment", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return apperr.TransientIO("read attachment", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/rest/api/2/issue/%s/attachments", baseURL(cfg), externalID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", writer.FormDataContentType())
		httpReq.Header.Set("X-Atlassian-Token", "no-check")
		httpReq.SetBasicAuth(cfg.Username, cfg.APIToken)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, apperr.TransientIO("jira attachment request", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			data, _ := io.ReadAll(resp.Body)
			return nil, apperr.ExternalAPI("jira", resp.StatusCode,
				fmt.Errorf("attachment upload returned %d: %s", resp.StatusCode, truncateBody(data)))
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperr.ExternalAPI("jira", 0, err)
		}
		return err
	}
	return nil
}

// BrowseURL returns the human-facing URL for an issue key.
func (c *JiraClient) BrowseURL(cfg *domain.JiraConfig, externalID string) string {
	return baseURL(cfg) + "/browse/" + externalID
}

func baseURL(cfg *domain.JiraConfig) string {
	return strings.TrimRight(cfg.URL, "/")
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// Ensure JiraClient implements out.IssueTracker
var _ out.IssueTracker = (*JiraClient)(nil)
