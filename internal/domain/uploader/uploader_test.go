package uploader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"incident-console-client-golang/internal/data/segment"
	"incident-console-client-golang/internal/domain/queue"
	"incident-console-client-golang/internal/storage/segmentstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 按预设脚本返回结果，并记录每次收到的段
type fakeTransport struct {
	mu       sync.Mutex
	script   []func(seg *segment.PendingSegment) (*UploadResult, error)
	seen     []*segment.PendingSegment
	statuses []segment.Status
}

func (f *fakeTransport) push(fn func(seg *segment.PendingSegment) (*UploadResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fn)
}

func (f *fakeTransport) UploadSegment(ctx context.Context, seg *segment.PendingSegment) (*UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, seg)
	f.statuses = append(f.statuses, seg.Status)
	if len(f.script) == 0 {
		return &UploadResult{OK: true, EntryID: "entry-default"}, nil
	}
	fn := f.script[0]
	f.script = f.script[1:]
	return fn(seg)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func newTestUploader(t *testing.T) (*Uploader, *queue.Manager, *segmentstore.Store, *fakeTransport) {
	t.Helper()
	store, err := segmentstore.NewStore(&segmentstore.Config{
		Path: filepath.Join(t.TempDir(), "uploader.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.NewManager(store)
	transport := &fakeTransport{}
	u, err := NewUploader(q, transport, DefaultConfig())
	require.NoError(t, err)
	return u, q, store, transport
}

func enqueue(t *testing.T, q *queue.Manager, sessionID, speakerID string) *segment.PendingSegment {
	t.Helper()
	start := time.Now().Add(-10 * time.Second)
	seg, err := q.AddToQueue(context.Background(), queue.AddSpec{
		SessionID:   sessionID,
		SpeakerID:   speakerID,
		SpeakerName: "搬送調整",
		AudioData:   []byte("webm-audio"),
		MimeType:    "audio/webm",
		StartTime:   start,
		EndTime:     start.Add(10 * time.Second),
	})
	require.NoError(t, err)
	return seg
}

func TestBackoffDelayMonotonicAndClamped(t *testing.T) {
	var prev time.Duration
	for rc := 1; rc <= 5; rc++ {
		d := BackoffDelay(rc)
		assert.GreaterOrEqual(t, d, prev, "retryCount=%d", rc)
		prev = d
	}
	assert.Equal(t, 80*time.Second, BackoffDelay(5))
	// 超出表长之后固定取最后一项
	assert.Equal(t, 80*time.Second, BackoffDelay(6))
	assert.Equal(t, 80*time.Second, BackoffDelay(100))
	assert.Equal(t, time.Duration(0), BackoffDelay(0))
}

// Scenario A: 一个段一轮扫描成功后被移除，会话待上传数归零
func TestSweepSuccessRemovesSegment(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{OK: true, EntryID: "entry-1"}, nil
	})

	attempted, err := u.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	_, err = q.GetSegmentByID(ctx, seg.LocalID)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))

	count, err := q.GetPendingCount(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// 段只能经由 pending->uploading 再到移除，传输层看到的状态必须是 uploading
func TestAttemptMarksUploadingBeforeTransport(t *testing.T) {
	u, q, _, transport := newTestUploader(t)

	enqueue(t, q, "S1", "P1")
	_, err := u.Sweep(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, transport.statuses, 1)
	assert.Equal(t, segment.StatusUploading, transport.statuses[0])
}

// Scenario B: 连续三次传输失败后 retryCount=3 仍在队列中，"全部重试"成功后移除
func TestTransportFailuresThenRetryAll(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	for i := 0; i < 3; i++ {
		transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
			return nil, fmt.Errorf("connection refused")
		})
		// 强制扫描绕过回退等待
		_, err := u.Sweep(ctx, true)
		require.NoError(t, err)
	}

	got, err := q.GetSegmentByID(ctx, seg.LocalID)
	require.NoError(t, err)
	assert.Equal(t, segment.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.LastError)

	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{OK: true, EntryID: "entry-final"}, nil
	})
	attempted, err := u.RetryAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	_, err = q.GetSegmentByID(ctx, seg.LocalID)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))
}

// 命中容器损坏特征的拒绝直接丢弃，不重试
func TestUnrecoverableRejectionDiscards(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{
			OK:    false,
			Stage: "convert",
			Error: "Failed to convert webm to WAV: EBML header parsing failed",
		}, nil
	})

	_, err := u.Sweep(ctx, false)
	require.NoError(t, err)

	_, err = q.GetSegmentByID(ctx, seg.LocalID)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))
	assert.Equal(t, 1, transport.calls())
}

// 普通应用层拒绝进入 failed 并记录后端诊断
func TestRecoverableRejectionMarksFailed(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{OK: false, Stage: "stt", Error: "transcription backend unavailable"}, nil
	})

	_, err := u.Sweep(ctx, false)
	require.NoError(t, err)

	got, err := q.GetSegmentByID(ctx, seg.LocalID)
	require.NoError(t, err)
	assert.Equal(t, segment.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "stage=stt")
}

// 静音等 skipped 拒绝走通用拒绝路径，不直接丢弃
func TestSkippedRejectionFollowsGeneralRule(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{OK: false, Stage: "silence", Skipped: true, RMSDb: -52.3}, nil
	})

	_, err := u.Sweep(ctx, false)
	require.NoError(t, err)

	got, err := q.GetSegmentByID(ctx, seg.LocalID)
	require.NoError(t, err)
	assert.Equal(t, segment.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "silence")
}

func TestEligibility(t *testing.T) {
	u, q, store, _ := newTestUploader(t)
	ctx := context.Background()
	now := time.Now()

	// pending 永远可上传
	pending := enqueue(t, q, "S1", "P1")
	assert.True(t, u.eligible(pending, now))

	// failed: 回退窗口内不可上传，窗口过后可上传
	failed := enqueue(t, q, "S1", "P1")
	msg := "err"
	failed, err := q.UpdateSegmentStatus(ctx, failed.LocalID, segment.StatusFailed, &msg)
	require.NoError(t, err)
	assert.False(t, u.eligible(failed, failed.LastAttempt.Add(time.Second)))
	assert.True(t, u.eligible(failed, failed.LastAttempt.Add(BackoffDelay(1))))

	// failed 且重试次数用尽: 不可上传
	exhausted := enqueue(t, q, "S1", "P1")
	exhausted, err = q.UpdateSegmentStatus(ctx, exhausted.LocalID, segment.StatusFailed, &msg)
	require.NoError(t, err)
	exhausted.RetryCount = 5
	require.NoError(t, store.Update(ctx, exhausted))
	assert.False(t, u.eligible(exhausted, now.Add(time.Hour)))

	// uploading: 超过卡死阈值才可重新上传（上次尝试中途被打断）
	stuck := enqueue(t, q, "S1", "P1")
	stuck, err = q.UpdateSegmentStatus(ctx, stuck.LocalID, segment.StatusUploading, nil)
	require.NoError(t, err)
	assert.False(t, u.eligible(stuck, stuck.LastAttempt.Add(30*time.Second)))
	assert.True(t, u.eligible(stuck, stuck.LastAttempt.Add(61*time.Second)))
}

// 非强制扫描遵守回退窗口，强制扫描忽略
func TestSweepRespectsBackoffUnlessForced(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "P1")
	msg := "err"
	_, err := q.UpdateSegmentStatus(ctx, seg.LocalID, segment.StatusFailed, &msg)
	require.NoError(t, err)

	attempted, err := u.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 0, transport.calls())

	attempted, err = u.Sweep(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, transport.calls())
}

// 单段失败不会中断整轮扫描
func TestSweepIsolatesPerSegmentFailures(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	enqueue(t, q, "S1", "P1")
	b := enqueue(t, q, "S1", "P1")

	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return nil, fmt.Errorf("dial tcp: i/o timeout")
	})
	transport.push(func(*segment.PendingSegment) (*UploadResult, error) {
		return &UploadResult{OK: true, EntryID: "entry-b"}, nil
	})

	attempted, err := u.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)

	// 第二个段照常成功移除
	_, err = q.GetSegmentByID(ctx, b.LocalID)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))
}

// 离线时自动扫描被抑制，强制扫描不受影响
func TestSweepSuppressedWhenOffline(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	enqueue(t, q, "S1", "P1")
	u.SetOnlineCheck(func() bool { return false })

	attempted, err := u.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 0, transport.calls())

	attempted, err = u.Sweep(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
}

// 手动重试单段，支持归属覆盖
func TestRetrySegmentWithAttributionOverride(t *testing.T) {
	u, q, _, transport := newTestUploader(t)
	ctx := context.Background()

	seg := enqueue(t, q, "S1", "Pold")
	transport.push(func(got *segment.PendingSegment) (*UploadResult, error) {
		assert.Equal(t, "Pnew", got.SpeakerID)
		return &UploadResult{OK: true, EntryID: "entry-1"}, nil
	})

	err := u.RetrySegment(ctx, seg.LocalID, &Attribution{ParticipantID: "Pnew"})
	require.NoError(t, err)

	_, err = q.GetSegmentByID(ctx, seg.LocalID)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))
}

func TestRetrySegmentNotFound(t *testing.T) {
	u, _, _, _ := newTestUploader(t)

	err := u.RetrySegment(context.Background(), "ghost", nil)
	assert.True(t, errors.Is(err, segmentstore.ErrNotFound))
}

func TestIsUnrecoverable(t *testing.T) {
	cases := []struct {
		result *UploadResult
		want   bool
	}{
		{&UploadResult{Stage: "convert", Error: "EBML header parsing failed"}, true},
		{&UploadResult{Stage: "convert", Error: "Invalid data found when processing input"}, true},
		{&UploadResult{Stage: "convert", Error: "Audio is not valid WAV after conversion"}, true},
		{&UploadResult{Stage: "convert", Error: "disk full"}, false},
		{&UploadResult{Stage: "stt", Error: "EBML header parsing failed"}, false},
		{&UploadResult{Stage: "convert"}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isUnrecoverable(c.result), "%+v", c.result)
	}
}
