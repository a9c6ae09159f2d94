package msg

import (
	"encoding/json"
	"time"
)

// 实时通道消息类型，与后端 WSMessageType 枚举一致
const (
	MessageTypeNewEntry          = "new_entry"          // 新的时序记录
	MessageTypeParticipantUpdate = "participant_update" // 参与者变更
	MessageTypeSessionUpdate     = "session_update"     // 会话变更
)

// KnownTypes 已知消息类型集合，未知类型丢弃不分发
var KnownTypes = map[string]bool{
	MessageTypeNewEntry:          true,
	MessageTypeParticipantUpdate: true,
	MessageTypeSessionUpdate:     true,
}

// Message 实时通道入站消息，type 为类型判别字段
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChronologyEntry new_entry 消息负载
type ChronologyEntry struct {
	EntryID       string    `json:"entry_id"`
	SegmentID     string    `json:"segment_id"`
	ParticipantID string    `json:"participant_id"`
	HQID          string    `json:"hq_id"`
	HQName        string    `json:"hq_name"`
	Timestamp     time.Time `json:"timestamp"`
	Category      string    `json:"category"`
	Summary       string    `json:"summary"`
	TextRaw       string    `json:"text_raw"`
	AINote        string    `json:"ai_note"`
	IsHQConfirmed bool      `json:"is_hq_confirmed"`
	HasTask       bool      `json:"has_task"`
}

// Participant participant_update 消息负载
type Participant struct {
	ParticipantID   string `json:"participant_id"`
	ZoomDisplayName string `json:"zoom_display_name"`
	ZoomUserID      string `json:"zoom_user_id"`
	HQID            string `json:"hq_id"`
	IsDeclared      bool   `json:"is_declared"`
	Status          string `json:"status"`
}

// Session session_update 消息负载
type Session struct {
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	StartAt   *time.Time `json:"start_at,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`
}
