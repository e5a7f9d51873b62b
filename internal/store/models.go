package store

import "time"

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Input kinds stored in session_inputs.
const (
	InputText = "text"
	InputURL  = "url"
	InputFile = "file"
)

type User struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"-"` // external identity subject
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar,omitempty"`
	ChatUsed  int       `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

type Session struct {
	ID             string        `json:"id"`
	UserID         int64         `json:"userId"`
	Name           string        `json:"name"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	IsActive       bool          `json:"isActive"`
	Messages       []Message     `json:"messages"`
	Inputs         SessionInputs `json:"inputs"`
}

type SessionInputs struct {
	TextSnippets  []TextSnippet  `json:"textSnippets"`
	UploadedURLs  []UploadedURL  `json:"uploadedUrls"`
	UploadedFiles []UploadedFile `json:"uploadedFiles"`
}

type TextSnippet struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	AddedAt time.Time `json:"addedAt"`
}

type UploadedURL struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	AddedAt time.Time `json:"addedAt"`
}

type UploadedFile struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mimeType,omitempty"`
	Size     int64     `json:"size"`
	AddedAt  time.Time `json:"addedAt"`
}

// SessionInput is the row shape shared by all three input kinds.
type SessionInput struct {
	ID        string
	SessionID string
	Kind      string
	Content   string // snippet text
	Reference string // url or filename
	MimeType  string
	Size      int64
	AddedAt   time.Time
}

type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Sender        string    `json:"sender"` // "user" or "assistant"
	Content       string    `json:"content"`
	RawQuery      string    `json:"rawQuery,omitempty"`
	EnhancedQuery string    `json:"enhancedQuery,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HasFile reports whether a file with the given name is attached to the session.
func (s *Session) HasFile(filename string) bool {
	for _, f := range s.Inputs.UploadedFiles {
		if f.Filename == filename {
			return true
		}
	}
	return false
}
