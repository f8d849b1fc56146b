package domain

import "time"

// ResumeData is the parsed résumé supplied when starting an interview.
type ResumeData struct {
	FullName   string       `json:"fullName,omitempty"`
	Email      string       `json:"email,omitempty"`
	Phone      string       `json:"phone,omitempty"`
	Skills     []string     `json:"skills,omitempty"`
	Experience []Experience `json:"experience,omitempty"`
	Education  []Education  `json:"education,omitempty"`
}

type Experience struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Dates       string `json:"dates"`
	Description string `json:"description,omitempty"`
}

type Education struct {
	Degree string `json:"degree"`
	School string `json:"school"`
	Year   string `json:"year"`
}

// JobData describes the position being practised for.
type JobData struct {
	JobTitle       string `json:"jobTitle"`
	CompanyName    string `json:"companyName"`
	JobDescription string `json:"jobDescription"`
}

// InterviewContext is everything the credential endpoint needs to build the
// interviewer instructions for one session.
type InterviewContext struct {
	Voice           string      `json:"voice,omitempty"`
	Resume          *ResumeData `json:"resumeData,omitempty"`
	Job             *JobData    `json:"jobData,omitempty"`
	InterviewerName string      `json:"interviewerName,omitempty"`
	Locale          string      `json:"locale,omitempty"`
}

// RealtimeCredentials are the ephemeral connection credentials returned by the
// session endpoint.
type RealtimeCredentials struct {
	SessionID    string
	Model        string
	EphemeralKey string
	ExpiresAt    time.Time
	Instructions string
}

// TokenUsage is the model usage reported by the realtime API.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// InterviewRecord is the archived result of one interview session.
type InterviewRecord struct {
	ID              string
	UserID          string
	Job             *JobData
	Resume          *ResumeData
	Transcript      []Turn
	TokensUsed      int
	QuestionCount   int
	DurationSeconds int
	EndReason       string
	CreatedAt       time.Time
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// RealtimeSessionRequest is the configuration sent when minting realtime
// credentials.
type RealtimeSessionRequest struct {
	Model         string         `json:"model"`
	Voice         string         `json:"voice"`
	Modalities    []string       `json:"modalities"`
	Instructions  string         `json:"instructions"`
	ToolChoice    string         `json:"tool_choice,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}
