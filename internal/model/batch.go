package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchKind names an outbound queue.
type BatchKind string

// Outbound queues.
const (
	BatchListing    BatchKind = "listing"
	BatchSubmission BatchKind = "submission"
)

// BatchKindFor maps a disposition to its outbound queue.
func BatchKindFor(d Disposition) (BatchKind, bool) {
	switch d {
	case DispositionSellUngraded:
		return BatchListing, true
	case DispositionGrade:
		return BatchSubmission, true
	default:
		return "", false
	}
}

// FlushedState is the state an asset moves to once its batch is delivered.
func (k BatchKind) FlushedState() State {
	if k == BatchSubmission {
		return StateSubmitted
	}
	return StateListed
}

// BatchEntry is one routed asset waiting in (or delivered from) a batch.
type BatchEntry struct {
	Identity    string          `json:"identity"`
	Kind        BatchKind       `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	BatchID     string          `json:"batch_id,omitempty"`
	FlushedAt   *time.Time      `json:"flushed_at,omitempty"`
	ExternalRef string          `json:"external_ref,omitempty"`
}

// Pending reports whether the entry has not been delivered yet.
func (e BatchEntry) Pending() bool {
	return e.FlushedAt == nil
}

// Listing is the structured payload handed to a marketplace.
type Listing struct {
	SKU         string          `json:"sku"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	ImageURLs   []string        `json:"image_urls"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Condition   string          `json:"condition"`
}

// SubmissionItem is one card in a grading submission.
type SubmissionItem struct {
	Identity       string          `json:"identity"`
	Card           RecognizedCard  `json:"card"`
	EstimatedGrade int             `json:"estimated_grade"`
	DeclaredValue  decimal.Decimal `json:"declared_value"`
	FrontImage     string          `json:"front_image"`
	BackImage      string          `json:"back_image"`
}

// Submission is the structured record handed to a grading service.
type Submission struct {
	BatchID      string           `json:"batch_id"`
	ServiceLevel string           `json:"service_level"`
	Items        []SubmissionItem `json:"items"`
	CreatedAt    time.Time        `json:"created_at"`
}

// DeclaredTotal sums the declared value of every item.
func (s Submission) DeclaredTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.Items {
		total = total.Add(it.DeclaredValue)
	}
	return total
}

// Confirmation acknowledges a delivered submission.
type Confirmation struct {
	ID        string    `json:"id"`
	Location  string    `json:"location,omitempty"`
	Submitted time.Time `json:"submitted"`
}
