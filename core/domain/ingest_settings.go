package domain

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the owning principal of all pipeline entities. The core only
// reads identity fields; account management lives elsewhere.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailAlias maps an extra inbound address to a user, used by the
// drop-box source to match envelope recipients.
type EmailAlias struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Alias     string    `json:"alias"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSettings bundles the per-user JSON configuration blocks.
type UserSettings struct {
	UserID  uuid.UUID      `json:"user_id"`
	Email   *EmailConfig   `json:"email_config,omitempty"`
	Issue   *IssueConfig   `json:"issue_config,omitempty"`
	Prompt  *PromptConfig  `json:"prompt_config,omitempty"`
	Webhook *WebhookConfig `json:"webhook_config,omitempty"`
}

// EmailSourceMode selects how a user's mail is acquired.
type EmailSourceMode string

const (
	ModeAutoAssign EmailSourceMode = "auto_assign" // drop-box, matched by recipient
	ModeCustomIMAP EmailSourceMode = "custom_imap"
)

// IMAPConfig holds connection parameters for a user's mailbox.
type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl"`
	Folder   string `json:"folder"`
}

// EmailFilters narrows the IMAP search expression.
type EmailFilters struct {
	UnseenOnly bool   `json:"unseen_only"`
	From       string `json:"from,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// EmailConfig is the per-user mail acquisition block. Unknown JSON keys
// survive round-trips in Extra.
type EmailConfig struct {
	Mode       EmailSourceMode `json:"mode"`
	IMAP       IMAPConfig      `json:"imap"`
	Filters    EmailFilters    `json:"filters"`
	Since      *time.Time      `json:"since,omitempty"`
	MaxAgeDays int             `json:"max_age_days,omitempty"`
	Cursor     *time.Time      `json:"cursor,omitempty"` // max received_at of persisted messages

	Extra map[string]any `json:"-"`
}

func (c *EmailConfig) UnmarshalJSON(data []byte) error {
	type alias EmailConfig
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	extra, err := extraFields(data, (*alias)(c))
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c EmailConfig) MarshalJSON() ([]byte, error) {
	type alias EmailConfig
	return marshalWithExtra(alias(c), c.Extra)
}

// JiraConfig is the per-user JIRA block inside IssueConfig.
type JiraConfig struct {
	URL              string `json:"url"`
	Username         string `json:"username"`
	APIToken         string `json:"api_token"`
	ProjectKey       string `json:"project_key"`
	DefaultIssueType string `json:"default_issue_type,omitempty"`
	DefaultPriority  string `json:"default_priority,omitempty"`
	EpicLink         string `json:"epic_link,omitempty"`
	Assignee         string `json:"assignee,omitempty"`

	AllowProjectKeys []string `json:"allow_project_keys,omitempty"`
	AllowAssignees   []string `json:"allow_assignees,omitempty"`

	ProjectPrompt     string `json:"project_prompt,omitempty"`
	DescriptionPrompt string `json:"description_prompt,omitempty"`
	AssigneePrompt    string `json:"assignee_prompt,omitempty"`

	SummaryPrefix    string `json:"summary_prefix,omitempty"` // default "[AI]"
	SummaryTimestamp bool   `json:"summary_timestamp,omitempty"`
}

// IssueConfig is the per-user issue tracker block.
type IssueConfig struct {
	Enable bool            `json:"enable"`
	Engine IssueEngineName `json:"engine,omitempty"`
	Jira   *JiraConfig     `json:"jira,omitempty"`

	Extra map[string]any `json:"-"`
}

func (c *IssueConfig) UnmarshalJSON(data []byte) error {
	type alias IssueConfig
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	extra, err := extraFields(data, (*alias)(c))
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c IssueConfig) MarshalJSON() ([]byte, error) {
	type alias IssueConfig
	return marshalWithExtra(alias(c), c.Extra)
}

// PromptConfig carries the per-user LLM prompts.
type PromptConfig struct {
	EmailContentPrompt string `json:"email_content_prompt,omitempty"`
	OCRPrompt          string `json:"ocr_prompt,omitempty"`
	SummaryPrompt      string `json:"summary_prompt,omitempty"`
	SummaryTitlePrompt string `json:"summary_title_prompt,omitempty"`
	OutputLanguage     string `json:"output_language,omitempty"`

	Extra map[string]any `json:"-"`
}

func (c *PromptConfig) UnmarshalJSON(data []byte) error {
	type alias PromptConfig
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	extra, err := extraFields(data, (*alias)(c))
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c PromptConfig) MarshalJSON() ([]byte, error) {
	type alias PromptConfig
	return marshalWithExtra(alias(c), c.Extra)
}

// WebhookConfig is the per-user notification block.
type WebhookConfig struct {
	URL        string        `json:"url"`
	Events     []EmailStatus `json:"events,omitempty"`
	Provider   string        `json:"provider,omitempty"` // card (default) or slack
	Language   string        `json:"language,omitempty"`
	TimeoutSec int           `json:"timeout_sec,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`

	Extra map[string]any `json:"-"`
}

func (c *WebhookConfig) UnmarshalJSON(data []byte) error {
	type alias WebhookConfig
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	extra, err := extraFields(data, (*alias)(c))
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

func (c WebhookConfig) MarshalJSON() ([]byte, error) {
	type alias WebhookConfig
	return marshalWithExtra(alias(c), c.Extra)
}

// WantsEvent reports whether the status passes the user's event filter.
// An empty filter means terminal statuses only.
func (c *WebhookConfig) WantsEvent(status EmailStatus) bool {
	if len(c.Events) == 0 {
		return status.IsTerminal()
	}
	for _, e := range c.Events {
		if e == status {
			return true
		}
	}
	return false
}

// extraFields returns the JSON keys in data that the struct v does not
// declare. Keeps unknown settings keys alive across read-modify-write.
func extraFields(data []byte, v any) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, key := range jsonKeys(v) {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// marshalWithExtra merges declared fields over the preserved extras.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	declared, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return declared, nil
	}
	merged := make(map[string]any, len(extra)+8)
	for k, val := range extra {
		merged[k] = val
	}
	var fields map[string]any
	if err := json.Unmarshal(declared, &fields); err != nil {
		return nil, err
	}
	for k, val := range fields {
		merged[k] = val
	}
	return json.Marshal(merged)
}

func jsonKeys(v any) []string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		keys = append(keys, tag)
	}
	return keys
}
