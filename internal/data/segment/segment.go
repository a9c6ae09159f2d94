package segment

import (
	"strings"
	"time"
)

// Status 段上传状态
type Status string

const (
	StatusPending   Status = "pending"   // 等待上传
	StatusUploading Status = "uploading" // 上传中
	StatusUploaded  Status = "uploaded"  // 已上传（瞬态，仅用于过滤，成功记录会被删除）
	StatusFailed    Status = "failed"    // 上传失败，等待重试
)

// PendingSegment 待上传的音频段，每条录音一行
type PendingSegment struct {
	LocalID     string    `gorm:"type:varchar(64);primarykey" json:"local_id"`
	SessionID   string    `gorm:"type:varchar(64);not null;index" json:"session_id"`
	SpeakerID   string    `gorm:"type:varchar(64);not null" json:"speaker_id"`
	SpeakerName string    `gorm:"type:varchar(128)" json:"speaker_name"`
	AudioData   []byte    `gorm:"type:blob" json:"-"`
	MimeType    string    `gorm:"type:varchar(64)" json:"mime_type"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	DurationMs  int64     `json:"duration_ms"`
	Status      Status    `gorm:"type:varchar(20);not null;index" json:"status"`
	RetryCount  int       `gorm:"not null;default:0" json:"retry_count"`
	LastError   *string   `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
	LastAttempt time.Time `json:"last_attempt_at"`
}

// TableName 指定表名
func (PendingSegment) TableName() string {
	return "pending_segments"
}

// mimeExtMap MIME 类型到文件扩展名的映射，与后端支持的格式保持一致
var mimeExtMap = map[string]string{
	"audio/wav":   "wav",
	"audio/wave":  "wav",
	"audio/x-wav": "wav",
	"audio/webm":  "webm",
	"audio/mp3":   "mp3",
	"audio/mpeg":  "mp3",
	"audio/ogg":   "ogg",
	"audio/mp4":   "m4a",
	"audio/x-m4a": "m4a",
}

// FileExt 根据 MIME 类型推断文件扩展名，未知类型默认 webm
func (s *PendingSegment) FileExt() string {
	mime := s.MimeType
	// 去掉 codec 参数，如 audio/webm;codecs=opus
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	if ext, ok := mimeExtMap[strings.TrimSpace(strings.ToLower(mime))]; ok {
		return ext
	}
	return "webm"
}

// FileName 上传时使用的文件名
func (s *PendingSegment) FileName() string {
	return "segment_" + s.LocalID + "." + s.FileExt()
}
