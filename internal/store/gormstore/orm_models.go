package gormstore

import (
	"encoding/json"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// sessionRow keeps the query-relevant flags as indexed columns and the full
// document as JSON. Columns are rewritten from the document on every save.
type sessionRow struct {
	ID                  string    `gorm:"primaryKey;size:64"`
	RuntimeTag          *string   `gorm:"size:64;index"`
	IsActive            bool      `gorm:"not null"`
	IsWaiting           bool      `gorm:"not null"`
	IsCorrupted         bool      `gorm:"not null"`
	IsMessagesProcessed bool      `gorm:"not null;index:idx_sessions_pipeline,priority:1"`
	ToFinalize          bool      `gorm:"not null;index:idx_sessions_pipeline,priority:2"`
	IsFinalized         bool      `gorm:"not null;index:idx_sessions_pipeline,priority:3"`
	IsDeleted           bool      `gorm:"not null"`
	Doc                 string    `gorm:"type:text;not null"`
	Version             int64     `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null;index"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toSession() (*types.Session, error) {
	var s types.Session
	if err := json.Unmarshal([]byte(r.Doc), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func sessionRowFrom(s *types.Session) (sessionRow, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return sessionRow{}, err
	}
	return sessionRow{
		ID:                  s.ID,
		RuntimeTag:          tagColumn(s.RuntimeTag),
		IsActive:            s.IsActive,
		IsWaiting:           s.IsWaiting,
		IsCorrupted:         s.IsCorrupted,
		IsMessagesProcessed: s.IsMessagesProcessed,
		ToFinalize:          s.ToFinalize,
		IsFinalized:         s.IsFinalized,
		IsDeleted:           s.IsDeleted,
		Doc:                 string(doc),
		CreatedAt:           s.CreatedAt.UTC(),
		UpdatedAt:           s.UpdatedAt.UTC(),
	}, nil
}

type messageRow struct {
	ID               string    `gorm:"primaryKey;size:64"`
	SessionID        string    `gorm:"size:64;not null;index:idx_messages_session_order,priority:1"`
	RuntimeTag       *string   `gorm:"size:64;index"`
	MessageID        int64     `gorm:"not null;index:idx_messages_session_order,priority:2"`
	MessageTimestamp int64     `gorm:"not null"`
	IsDeleted        bool      `gorm:"not null"`
	Doc              string    `gorm:"type:text;not null"`
	Version          int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toMessage() (*types.Message, error) {
	var m types.Message
	if err := json.Unmarshal([]byte(r.Doc), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func messageRowFrom(m *types.Message) (messageRow, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		ID:               m.ID,
		SessionID:        m.SessionID,
		RuntimeTag:       tagColumn(m.RuntimeTag),
		MessageID:        m.MessageID,
		MessageTimestamp: m.MessageTimestamp,
		IsDeleted:        m.IsDeleted,
		Doc:              string(doc),
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}, nil
}

// tagColumn stores an absent tag as NULL, which is what legacy rows carry.
func tagColumn(tag string) *string {
	if tag == "" {
		return nil
	}
	return &tag
}
