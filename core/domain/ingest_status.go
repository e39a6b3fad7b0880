package domain

// EmailStatus is the processing state of an EmailMessage.
type EmailStatus string

const (
	StatusFetched    EmailStatus = "FETCHED"
	StatusProcessing EmailStatus = "PROCESSING"

	StatusOCRProcessing EmailStatus = "OCR_PROCESSING"
	StatusOCRSuccess    EmailStatus = "OCR_SUCCESS"
	StatusOCRFailed     EmailStatus = "OCR_FAILED"

	StatusLLMOCRProcessing EmailStatus = "LLM_OCR_PROCESSING"
	StatusLLMOCRSuccess    EmailStatus = "LLM_OCR_SUCCESS"
	StatusLLMOCRFailed     EmailStatus = "LLM_OCR_FAILED"

	StatusLLMEmailProcessing EmailStatus = "LLM_EMAIL_PROCESSING"
	StatusLLMEmailSuccess    EmailStatus = "LLM_EMAIL_SUCCESS"
	StatusLLMEmailFailed     EmailStatus = "LLM_EMAIL_FAILED"

	StatusLLMSummaryProcessing EmailStatus = "LLM_SUMMARY_PROCESSING"
	StatusLLMSummarySuccess    EmailStatus = "LLM_SUMMARY_SUCCESS"
	StatusLLMSummaryFailed     EmailStatus = "LLM_SUMMARY_FAILED"

	StatusIssueProcessing EmailStatus = "ISSUE_PROCESSING"
	StatusIssueSuccess    EmailStatus = "ISSUE_SUCCESS"
	StatusIssueFailed     EmailStatus = "ISSUE_FAILED"

	StatusSuccess EmailStatus = "SUCCESS"
	StatusFailed  EmailStatus = "FAILED"
)

// Stage identifies one pipeline stage with its status triple.
type Stage string

const (
	StagePrepare    Stage = "prepare"
	StageOCR        Stage = "ocr"
	StageLLMOCR     Stage = "llm_ocr"
	StageLLMEmail   Stage = "llm_email"
	StageLLMSummary Stage = "llm_summary"
	StageIssue      Stage = "issue"
	StageFinalize   Stage = "finalize"
)

// StageStatuses is one row of the transition table: the statuses a stage
// may start from and the triple it moves the row through.
type StageStatuses struct {
	AllowedIn  []EmailStatus
	Processing EmailStatus
	Success    EmailStatus
	Failed     EmailStatus
}

// stageTable is the single authority for legal transitions. Each stage
// may start from FETCHED, its own failed status (retry), or the success
// status of the previous stage.
var stageTable = map[Stage]StageStatuses{
	StagePrepare: {
		AllowedIn:  []EmailStatus{StatusFetched, StatusFailed, StatusOCRFailed, StatusLLMOCRFailed, StatusLLMEmailFailed, StatusLLMSummaryFailed, StatusIssueFailed},
		Processing: StatusProcessing,
		Success:    StatusProcessing,
		Failed:     StatusFailed,
	},
	StageOCR: {
		AllowedIn:  []EmailStatus{StatusProcessing, StatusFetched, StatusOCRFailed},
		Processing: StatusOCRProcessing,
		Success:    StatusOCRSuccess,
		Failed:     StatusOCRFailed,
	},
	StageLLMOCR: {
		AllowedIn:  []EmailStatus{StatusOCRSuccess, StatusFetched, StatusLLMOCRFailed},
		Processing: StatusLLMOCRProcessing,
		Success:    StatusLLMOCRSuccess,
		Failed:     StatusLLMOCRFailed,
	},
	StageLLMEmail: {
		AllowedIn:  []EmailStatus{StatusLLMOCRSuccess, StatusFetched, StatusLLMEmailFailed},
		Processing: StatusLLMEmailProcessing,
		Success:    StatusLLMEmailSuccess,
		Failed:     StatusLLMEmailFailed,
	},
	StageLLMSummary: {
		AllowedIn:  []EmailStatus{StatusLLMEmailSuccess, StatusFetched, StatusLLMSummaryFailed},
		Processing: StatusLLMSummaryProcessing,
		Success:    StatusLLMSummarySuccess,
		Failed:     StatusLLMSummaryFailed,
	},
	StageIssue: {
		AllowedIn:  []EmailStatus{StatusLLMSummarySuccess, StatusFetched, StatusIssueFailed},
		Processing: StatusIssueProcessing,
		Success:    StatusIssueSuccess,
		Failed:     StatusIssueFailed,
	},
	StageFinalize: {
		AllowedIn:  []EmailStatus{StatusIssueSuccess, StatusLLMSummarySuccess},
		Processing: StatusIssueSuccess,
		Success:    StatusSuccess,
		Failed:     StatusFailed,
	},
}

// StatusesFor returns the transition row for a stage.
func StatusesFor(stage Stage) (StageStatuses, bool) {
	s, ok := stageTable[stage]
	return s, ok
}

// AllStatuses lists every defined EmailStatus.
func AllStatuses() []EmailStatus {
	return []EmailStatus{
		StatusFetched, StatusProcessing,
		StatusOCRProcessing, StatusOCRSuccess, StatusOCRFailed,
		StatusLLMOCRProcessing, StatusLLMOCRSuccess, StatusLLMOCRFailed,
		StatusLLMEmailProcessing, StatusLLMEmailSuccess, StatusLLMEmailFailed,
		StatusLLMSummaryProcessing, StatusLLMSummarySuccess, StatusLLMSummaryFailed,
		StatusIssueProcessing, StatusIssueSuccess, StatusIssueFailed,
		StatusSuccess, StatusFailed,
	}
}

// ProcessingStatuses lists every transient *_PROCESSING status. Rows
// stuck in one of these are reset to FETCHED by the reaper.
func ProcessingStatuses() []EmailStatus {
	return []EmailStatus{
		StatusProcessing,
		StatusOCRProcessing,
		StatusLLMOCRProcessing,
		StatusLLMEmailProcessing,
		StatusLLMSummaryProcessing,
		StatusIssueProcessing,
	}
}

// RetryableStatuses lists statuses a new workflow run may start from.
func RetryableStatuses() []EmailStatus {
	return []EmailStatus{
		StatusFetched,
		StatusFailed,
		StatusOCRFailed,
		StatusLLMOCRFailed,
		StatusLLMEmailFailed,
		StatusLLMSummaryFailed,
		StatusIssueFailed,
	}
}

// IsValidStatus reports whether s is a defined status.
func IsValidStatus(s EmailStatus) bool {
	for _, v := range AllStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends a workflow run.
func (s EmailStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsProcessing reports whether s is a transient in-flight status.
func (s EmailStatus) IsProcessing() bool {
	for _, v := range ProcessingStatuses() {
		if v == s {
			return true
		}
	}
	return false
}
