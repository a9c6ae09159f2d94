package eventbus

const (
	TopicSegmentCaptured  = "segment_captured"  // 采集器产出新段，入队
	TopicSegmentUploaded  = "segment_uploaded"  // 段上传成功，已从队列移除
	TopicSegmentDiscarded = "segment_discarded" // 段因不可恢复错误被丢弃
	TopicUploadFailed     = "upload_failed"     // 单次上传失败，等待回退重试
	TopicPendingCount     = "pending_count"     // 待上传数量变化
)

// SegmentUploadEvent 段上传结果事件
type SegmentUploadEvent struct {
	LocalID   string
	SessionID string
	SpeakerID string
	EntryID   string // 上传成功时后端返回的记录 ID
	Stage     string // 失败时后端报告的阶段
	Error     string
}

// PendingCountEvent 待上传数量事件
type PendingCountEvent struct {
	SessionID string
	Count     int64
}
