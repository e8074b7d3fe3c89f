package botchat

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// RequestLog records one LLM backend call: what was asked, what came
// back, how long it took, and any error. Rows are never updated.
type RequestLog struct {
	ID        uint  `gorm:"primarykey" json:"id"`
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at"`

	// Purpose is one of the Purpose* constants (chat, extract, ...)
	Purpose string `gorm:"index" json:"purpose"`

	Model          string `json:"model"`
	RequestBody    string `json:"request_body"`
	ResponseBody   string `json:"response_body"`
	RequestStarted int64  `json:"request_started"`
	RequestEnded   int64  `json:"request_ended"`
	Error          string `json:"error"`
}

// Database wraps the sqlite request-log database.
type Database struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDatabase opens (or creates) the sqlite database and migrates the
// request-log schema.
func NewDatabase(
	path string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*Database, error) {
	gormCfg := &gorm.Config{}
	if handler != nil {
		gormCfg.Logger = newGORMLogger(handler, slowThreshold)
	}
	db, err := gorm.Open(sqlite.Open(path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err = db.AutoMigrate(&RequestLog{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	logger := slog.Default()
	if handler != nil {
		logger = slog.New(handler)
	}
	return &Database{
		db:     db,
		logger: logger.With(loggerNameKey, "database"),
	}, nil
}

// CreateRequestLog inserts one request-log row.
func (d *Database) CreateRequestLog(reqLog *RequestLog) error {
	return d.db.Create(reqLog).Error
}

// RecentRequestLogs returns up to limit rows, newest first.
func (d *Database) RecentRequestLogs(limit int) ([]RequestLog, error) {
	var logs []RequestLog
	err := d.db.Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

// RequestCount returns the number of logged backend calls.
func (d *Database) RequestCount() (int64, error) {
	var n int64
	err := d.db.Model(&RequestLog{}).Count(&n).Error
	return n, err
}
