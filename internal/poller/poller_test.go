package poller

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuu2811/EDINET-sub000/internal/broadcast"
	"github.com/yuu2811/EDINET-sub000/internal/edinet"
	"github.com/yuu2811/EDINET-sub000/internal/extractor"
	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeSource is an in-memory edinet.Source.
type fakeSource struct {
	mu        sync.Mutex
	docs      []edinet.DocumentMeta
	listErr   error
	archives  map[string][]byte
	failAll   error
	downloads []string
}

func (f *fakeSource) ListDocuments(ctx context.Context, date time.Time) ([]edinet.DocumentMeta, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.docs, nil
}

func (f *fakeSource) DownloadArchive(ctx context.Context, docID string) ([]byte, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, docID)
	f.mu.Unlock()

	if f.failAll != nil {
		return nil, f.failAll
	}
	archive, ok := f.archives[docID]
	if !ok {
		return nil, errors.New("archive unavailable")
	}
	return archive, nil
}

func (f *fakeSource) downloadedSince(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloads[n:]...)
}

// fakeStore is an in-memory storage.FilingStore.
type fakeStore struct {
	mu        sync.Mutex
	filings   map[string]*storage.Filing
	order     []string
	nextID    int64
	createErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		filings:   make(map[string]*storage.Filing),
		createErr: make(map[string]error),
	}
}

func (f *fakeStore) CreateFiling(ctx context.Context, filing *storage.Filing) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.createErr[filing.DocID]; err != nil {
		return false, err
	}
	if _, exists := f.filings[filing.DocID]; exists {
		return false, nil
	}

	f.nextID++
	filing.ID = f.nextID
	filing.CreatedAt = time.Now().UTC()
	filing.UpdatedAt = filing.CreatedAt

	clone := *filing
	f.filings[filing.DocID] = &clone
	f.order = append(f.order, filing.DocID)
	return true, nil
}

func (f *fakeStore) UpdateEnrichment(ctx context.Context, docID string, e storage.Enrichment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filing, ok := f.filings[docID]
	if !ok {
		return storage.ErrNotFound
	}
	filing.HoldingRatio = e.HoldingRatio
	filing.PreviousRatio = e.PreviousRatio
	filing.RatioChange = e.RatioChange
	filing.SharesHeld = e.SharesHeld
	if e.HolderName != "" {
		filing.HolderName = &e.HolderName
	}
	if e.TargetName != "" {
		filing.TargetName = &e.TargetName
	}
	filing.Enriched = e.Complete
	filing.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) ListUnenriched(ctx context.Context, offset, limit int) ([]storage.Filing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := make([]storage.Filing, 0)
	for _, docID := range f.order {
		if filing := f.filings[docID]; !filing.Enriched {
			pending = append(pending, *filing)
		}
	}

	if offset >= len(pending) {
		return nil, nil
	}
	end := offset + limit
	if end > len(pending) {
		end = len(pending)
	}
	return pending[offset:end], nil
}

func (f *fakeStore) CountUnenriched(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, filing := range f.filings {
		if !filing.Enriched {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) StatsForDate(ctx context.Context, date time.Time) (storage.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := storage.Stats{Date: date.Format("2006-01-02")}
	for _, filing := range f.filings {
		stats.Total++
		if filing.Enriched {
			stats.Enriched++
		}
		if filing.Amendment {
			stats.Amendments++
		}
	}
	return stats, nil
}

func (f *fakeStore) get(docID string) *storage.Filing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filings[docID]
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filings)
}

func newTestPoller(source *fakeSource, store *fakeStore) (*Poller, *broadcast.Hub) {
	hub := broadcast.NewHub(128, testLogger())
	p := New(nil, source, store, extractor.New(testLogger()), hub, Options{
		DocTypeCodes: map[string]struct{}{"350": {}, "360": {}, "370": {}},
		Retry: RetryOptions{
			BatchSize:    5,
			ItemTimeout:  time.Second,
			BatchTimeout: 5 * time.Second,
		},
	}, testLogger())
	return p, hub
}

// drainEvents collects everything currently queued on the subscriber.
func drainEvents(sub *broadcast.Subscriber) []broadcast.Event {
	events := make([]broadcast.Event, 0)
	for {
		select {
		case ev := <-sub.C():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventNames(events []broadcast.Event) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

func buildTestArchive(t *testing.T, body string) []byte {
	t.Helper()

	doc := `<?xml version="1.0" encoding="UTF-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance"
            xmlns:jplvh="http://disclosure.edinet-fsa.go.jp/taxonomy/jplvh/2024">
` + body + `
</xbrli:xbrl>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("XBRL/PublicDoc/jplvh-lvh-001.xbrl")
	if err != nil {
		t.Fatalf("创建归档失败: %v", err)
	}
	if _, err := f.Write([]byte(doc)); err != nil {
		t.Fatalf("写入归档失败: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("关闭归档失败: %v", err)
	}
	return buf.Bytes()
}

func metaWithoutAttachment(docID string) edinet.DocumentMeta {
	return edinet.DocumentMeta{
		DocID:          docID,
		EdinetCode:     "E12345",
		SecCode:        "65010",
		FilerName:      "テスト投資",
		DocTypeCode:    "350",
		DocDescription: "大量保有報告書",
		SubmitDateTime: "2026-08-28 09:30",
		XbrlFlag:       "0",
	}
}

func TestCycleNewFilingWithoutAttachment(t *testing.T) {
	source := &fakeSource{docs: []edinet.DocumentMeta{metaWithoutAttachment("S100AAA1")}}
	store := newFakeStore()
	p, hub := newTestPoller(source, store)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	date := time.Date(2026, 8, 28, 0, 0, 0, 0, edinet.JST)
	newCount, err := p.ProcessDate(context.Background(), date)
	if err != nil {
		t.Fatalf("处理不应报错: %v", err)
	}
	if newCount != 1 {
		t.Fatalf("应新增 1 条, 实际 %d", newCount)
	}

	filing := store.get("S100AAA1")
	if filing == nil {
		t.Fatal("filing 应已持久化")
	}
	if filing.Enriched {
		t.Fatal("无附件时 enriched 应为 false")
	}
	if filing.Amendment {
		t.Fatal("类型 350 不是变更报告")
	}

	names := eventNames(drainEvents(sub))
	want := []string{broadcast.EventConnected, broadcast.EventNewFiling, broadcast.EventStatsUpdate}
	if len(names) != len(want) {
		t.Fatalf("事件序列不正确: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("事件序列不正确: %v", names)
		}
	}
}

func TestRepollIsIdempotent(t *testing.T) {
	source := &fakeSource{docs: []edinet.DocumentMeta{metaWithoutAttachment("S100AAA1")}}
	store := newFakeStore()
	p, hub := newTestPoller(source, store)

	date := time.Date(2026, 8, 28, 0, 0, 0, 0, edinet.JST)
	if _, err := p.ProcessDate(context.Background(), date); err != nil {
		t.Fatalf("首轮不应报错: %v", err)
	}

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	newCount, err := p.ProcessDate(context.Background(), date)
	if err != nil {
		t.Fatalf("重复轮询不应报错: %v", err)
	}
	if newCount != 0 {
		t.Fatalf("重复轮询不应新增, 实际 %d", newCount)
	}
	if store.count() != 1 {
		t.Fatalf("同一 doc_id 只能有一行, 实际 %d", store.count())
	}

	names := eventNames(drainEvents(sub))
	if len(names) != 1 || names[0] != broadcast.EventConnected {
		t.Fatalf("重复轮询不应发布事件: %v", names)
	}
}

func TestUninterestingTypesAreDiscarded(t *testing.T) {
	doc := metaWithoutAttachment("S100AAA1")
	doc.DocTypeCode = "140"
	source := &fakeSource{docs: []edinet.DocumentMeta{doc}}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	newCount, err := p.ProcessDate(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("处理不应报错: %v", err)
	}
	if newCount != 0 || store.count() != 0 {
		t.Fatal("不关注的类型应静默丢弃")
	}
}

func TestInlineEnrichment(t *testing.T) {
	doc := metaWithoutAttachment("S100AAA1")
	doc.XbrlFlag = "1"

	archive := buildTestArchive(t, `
  <jplvh:TotalShareholdingRatio contextRef="FilingDateInstant">0.081</jplvh:TotalShareholdingRatio>
  <jplvh:TotalShareholdingRatio contextRef="PriorReportInstant">0.066</jplvh:TotalShareholdingRatio>`)

	source := &fakeSource{
		docs:     []edinet.DocumentMeta{doc},
		archives: map[string][]byte{"S100AAA1": archive},
	}
	store := newFakeStore()
	p, hub := newTestPoller(source, store)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	if _, err := p.ProcessDate(context.Background(), time.Now()); err != nil {
		t.Fatalf("处理不应报错: %v", err)
	}

	filing := store.get("S100AAA1")
	if filing == nil || !filing.Enriched {
		t.Fatalf("filing 应已补全: %+v", filing)
	}
	if filing.HoldingRatio == nil || filing.HoldingRatio.StringFixed(2) != "8.10" {
		t.Fatalf("当期比率不正确: %v", filing.HoldingRatio)
	}
	if filing.RatioChange == nil || filing.RatioChange.StringFixed(2) != "1.50" {
		t.Fatalf("比率差值不正确: %v", filing.RatioChange)
	}

	events := drainEvents(sub)
	for _, ev := range events {
		if ev.Name != broadcast.EventNewFiling {
			continue
		}
		published, ok := ev.Data.(*storage.Filing)
		if !ok {
			t.Fatalf("new_filing 载荷类型不正确: %T", ev.Data)
		}
		if !published.Enriched {
			t.Fatal("推送的 filing 应携带补全结果")
		}
	}
}

func TestEnrichmentFailureKeepsFiling(t *testing.T) {
	doc := metaWithoutAttachment("S100AAA1")
	doc.XbrlFlag = "1"

	source := &fakeSource{
		docs:    []edinet.DocumentMeta{doc},
		failAll: errors.New("download failed"),
	}
	store := newFakeStore()
	p, hub := newTestPoller(source, store)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	newCount, err := p.ProcessDate(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("补全失败不应让整轮失败: %v", err)
	}
	if newCount != 1 {
		t.Fatalf("filing 应照常入库, 实际 %d", newCount)
	}

	filing := store.get("S100AAA1")
	if filing == nil {
		t.Fatal("filing 应已持久化")
	}
	if filing.Enriched {
		t.Fatal("补全失败时 enriched 应保持 false")
	}

	names := eventNames(drainEvents(sub))
	found := false
	for _, name := range names {
		if name == broadcast.EventNewFiling {
			found = true
		}
	}
	if !found {
		t.Fatalf("未补全的 filing 仍应推送 new_filing: %v", names)
	}
}

func TestDocumentErrorIsolation(t *testing.T) {
	docs := []edinet.DocumentMeta{metaWithoutAttachment("S100BAD1"), metaWithoutAttachment("S100OK01")}
	source := &fakeSource{docs: docs}
	store := newFakeStore()
	store.createErr["S100BAD1"] = errors.New("constraint violated")
	p, _ := newTestPoller(source, store)

	newCount, err := p.ProcessDate(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("单个文档失败不应中止整轮: %v", err)
	}
	if newCount != 1 {
		t.Fatalf("其余文档应继续处理, 实际 %d", newCount)
	}
	if store.get("S100OK01") == nil {
		t.Fatal("正常文档应已入库")
	}
}

func TestTransientListFailureDefersCycle(t *testing.T) {
	source := &fakeSource{listErr: &edinet.TransientError{Op: "list", Err: errors.New("timeout")}}
	store := newFakeStore()
	p, hub := newTestPoller(source, store)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	_, err := p.ProcessDate(context.Background(), time.Now())
	if err == nil {
		t.Fatal("列表失败应返回错误交给下一轮")
	}
	var transient *edinet.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("应保留瞬时错误类型: %T", err)
	}

	names := eventNames(drainEvents(sub))
	if len(names) != 1 {
		t.Fatalf("失败的轮次不应发布事件: %v", names)
	}
}

func TestCancellationStopsBetweenDocuments(t *testing.T) {
	docs := make([]edinet.DocumentMeta, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, metaWithoutAttachment(fmt.Sprintf("S100C%03d", i)))
	}
	source := &fakeSource{docs: docs}
	store := newFakeStore()
	p, _ := newTestPoller(source, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessDate(ctx, time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("取消后不应再写入, 实际 %d", store.count())
	}
}
