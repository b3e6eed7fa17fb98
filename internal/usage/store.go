package usage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Record struct {
	StreamID         string    `gorm:"primaryKey;size:26" json:"stream_id"` // ULID length
	RequestID        string    `gorm:"type:varchar(128)" json:"request_id,omitempty"`
	Provider         string    `gorm:"type:varchar(32);index;not null" json:"provider"`
	Model            string    `gorm:"type:varchar(128);index;not null" json:"model"`
	PromptTokens     int       `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"not null;default:0" json:"total_tokens"`
	OutputBytes      int       `gorm:"not null;default:0" json:"output_bytes"`
	Fragments        int       `gorm:"not null;default:0" json:"fragments"`
	Status           Status    `gorm:"type:varchar(16);index;not null" json:"status"`
	Error            *string   `gorm:"type:text" json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Record) TableName() string { return "usage_records" }

func recordFrom(s Summary) Record {
	r := Record{
		StreamID:         s.StreamID,
		RequestID:        s.RequestID,
		Provider:         s.Provider,
		Model:            s.Model,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens,
		OutputBytes:      s.OutputBytes,
		Fragments:        s.Fragments,
		Status:           s.Status,
		StartedAt:        s.StartedAt,
		DurationMS:       s.Duration.Milliseconds(),
	}
	if s.Error != "" {
		msg := s.Error
		r.Error = &msg
	}
	return r
}

// Store persists summaries in usage_records.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Record{})
}

// Record inserts the summary. A redelivered summary with a known stream id
// is ignored.
func (s *Store) Record(ctx context.Context, sum Summary) error {
	r := recordFrom(sum)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&r).Error
}

func (s *Store) Get(ctx context.Context, streamID string) (*Record, error) {
	var r Record
	if err := s.db.WithContext(ctx).First(&r, "stream_id = ?", streamID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListByModel returns the newest records first.
func (s *Store) ListByModel(ctx context.Context, model string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Record
	if err := s.db.WithContext(ctx).
		Where("model = ?", model).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type Totals struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Errors           int64 `json:"errors"`
}

func (s *Store) TotalsByModel(ctx context.Context, model string) (Totals, error) {
	var t Totals
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("COUNT(*) AS requests, "+
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, "+
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS errors", StatusError).
		Where("model = ?", model).
		Scan(&t).Error
	return t, err
}
