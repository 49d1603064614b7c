package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedUnenriched(t *testing.T, store *fakeStore, n int) []string {
	t.Helper()

	docIDs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		docID := fmt.Sprintf("S100R%03d", i)
		doc := metaWithoutAttachment(docID)
		if _, err := store.CreateFiling(context.Background(), filingFromMeta(doc)); err != nil {
			t.Fatalf("预置 filing 失败: %v", err)
		}
		docIDs = append(docIDs, docID)
	}
	return docIDs
}

func asSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// 8 个待补全、批量 5:第一轮取 1-5,第二轮取 6-8 并回卷到 1-2,
// 这样持续失败的条目不会垄断重试。
func TestRetryRotationIsFair(t *testing.T) {
	source := &fakeSource{failAll: errors.New("still failing")}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	docIDs := seedUnenriched(t, store, 8)

	p.RetryPass(context.Background())
	first := asSet(source.downloadedSince(0))
	if len(first) != 5 {
		t.Fatalf("第一轮应重试 5 条, 实际 %d", len(first))
	}
	for _, id := range docIDs[:5] {
		if _, ok := first[id]; !ok {
			t.Fatalf("第一轮缺少 %s: %v", id, first)
		}
	}

	mark := len(source.downloadedSince(0))
	p.RetryPass(context.Background())
	second := asSet(source.downloadedSince(mark))
	want := []string{docIDs[5], docIDs[6], docIDs[7], docIDs[0], docIDs[1]}
	if len(second) != len(want) {
		t.Fatalf("第二轮批量不正确: %v", second)
	}
	for _, id := range want {
		if _, ok := second[id]; !ok {
			t.Fatalf("第二轮缺少 %s: %v", id, second)
		}
	}
}

func TestRetrySuccessClearsBacklog(t *testing.T) {
	archive := buildTestArchive(t, `
  <jplvh:NameOfLargeVolumeHolder contextRef="FilingDateInstant">テスト投資組合</jplvh:NameOfLargeVolumeHolder>
  <jplvh:TotalShareholdingRatio contextRef="FilingDateInstant">0.057</jplvh:TotalShareholdingRatio>`)

	source := &fakeSource{archives: map[string][]byte{"S100R001": archive}}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	seedUnenriched(t, store, 1)

	p.RetryPass(context.Background())

	filing := store.get("S100R001")
	if filing == nil || !filing.Enriched {
		t.Fatalf("重试成功后应标记补全: %+v", filing)
	}
	if filing.HoldingRatio == nil || filing.HoldingRatio.StringFixed(2) != "5.70" {
		t.Fatalf("比率不正确: %v", filing.HoldingRatio)
	}
	if filing.HolderName == nil || *filing.HolderName != "テスト投資組合" {
		t.Fatalf("持有人名称不正确: %v", filing.HolderName)
	}

	count, err := store.CountUnenriched(context.Background())
	if err != nil {
		t.Fatalf("计数失败: %v", err)
	}
	if count != 0 {
		t.Fatalf("补全后队列应清空, 实际 %d", count)
	}
}

func TestRetryPassFailuresNeverAbortBatch(t *testing.T) {
	archive := buildTestArchive(t, `
  <jplvh:TotalShareholdingRatio contextRef="FilingDateInstant">0.061</jplvh:TotalShareholdingRatio>`)

	// 只有第 3 条有归档,其余下载失败。
	source := &fakeSource{archives: map[string][]byte{"S100R003": archive}}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	seedUnenriched(t, store, 4)

	p.RetryPass(context.Background())

	if filing := store.get("S100R003"); filing == nil || !filing.Enriched {
		t.Fatal("失败的条目不应拖垮同批其它条目")
	}
	count, _ := store.CountUnenriched(context.Background())
	if count != 3 {
		t.Fatalf("其余条目应留待下轮, 实际 %d", count)
	}
}

func TestRetryPassSkipsWhenAlreadyRunning(t *testing.T) {
	source := &fakeSource{failAll: errors.New("down")}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	seedUnenriched(t, store, 3)

	p.retryMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RetryPass(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("持锁期间重试应立即跳过而不是等待")
	}
	p.retryMu.Unlock()

	if len(source.downloadedSince(0)) != 0 {
		t.Fatal("跳过的轮次不应触发任何下载")
	}
}

func TestRetryPassNoBacklogIsNoop(t *testing.T) {
	source := &fakeSource{}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	p.RetryPass(context.Background())

	if len(source.downloadedSince(0)) != 0 {
		t.Fatal("空队列不应触发下载")
	}
	if p.retryOffset != 0 {
		t.Fatalf("空队列不应推进偏移量: %d", p.retryOffset)
	}
}
