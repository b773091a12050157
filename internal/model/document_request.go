package model

import "time"

// Priority は書類依頼・通知の優先度。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DocumentRequestStatus は書類依頼のステータス。
type DocumentRequestStatus string

const (
	DocumentRequestPending   DocumentRequestStatus = "pending"
	DocumentRequestUploaded  DocumentRequestStatus = "uploaded"
	DocumentRequestApproved  DocumentRequestStatus = "approved"
	DocumentRequestRejected  DocumentRequestStatus = "rejected"
	DocumentRequestCancelled DocumentRequestStatus = "cancelled"
)

// DocumentRequest は税理士から顧客への書類提出依頼を表す。
type DocumentRequest struct {
	ID             string
	ClientID       string
	ProfessionalID string
	DocumentType   string
	Note           string
	Priority       Priority
	Status         DocumentRequestStatus
	DueDate        time.Time
	FulfilledAt    *time.Time
	FulfilledPath  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
