package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

type fakeWriter struct {
	objects    map[string][]byte
	multiparts int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{objects: make(map[string][]byte)}
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = buf
	return nil
}

func (w *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	w.multiparts++
	return w.Put(context.Background(), path, data, "")
}

type fakeGroupStore struct {
	instances []domain.GroupInstance
}

func (s *fakeGroupStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.GroupInstance, error) {
	var out []domain.GroupInstance
	for _, inst := range s.instances {
		if inst.CreatedAt.Before(cutoff) {
			out = append(out, inst)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeMemberStore struct {
	byGroup map[int64][]domain.Membership
}

func (s *fakeMemberStore) ListByGroup(_ context.Context, groupID int64) ([]domain.Membership, error) {
	return s.byGroup[groupID], nil
}

func terminalInstance(id int64, status domain.GroupStatus, created time.Time) domain.GroupInstance {
	return domain.GroupInstance{
		ID:          id,
		GroupNo:     fmt.Sprintf("PT0000000000%02d", id),
		ActivityID:  7,
		LeaderID:    100 + id,
		GroupSize:   3,
		CurrentSize: 3,
		GroupPrice:  9.9,
		Status:      status,
		Deadline:    created.Add(24 * time.Hour),
		CreatedAt:   created,
	}
}

func TestArchiverExportGroupsByMonth(t *testing.T) {
	jan := time.Date(2025, 1, 12, 8, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC)

	groups := &fakeGroupStore{instances: []domain.GroupInstance{
		terminalInstance(1, domain.GroupStatusSucceeded, jan),
		terminalInstance(2, domain.GroupStatusFailed, jan.Add(48*time.Hour)),
		terminalInstance(3, domain.GroupStatusSucceeded, feb),
	}}
	members := &fakeMemberStore{byGroup: map[int64][]domain.Membership{
		1: {
			{GroupID: 1, ShopperID: 101, IsLeader: true, JoinedAt: jan},
			{GroupID: 1, ShopperID: 200, JoinedAt: jan.Add(time.Hour)},
			{GroupID: 1, ShopperID: 201, JoinedAt: jan.Add(2 * time.Hour)},
		},
	}}

	writer := newFakeWriter()
	arch := NewArchiver(writer, groups, members, ArchiverConfig{
		Retention: 90 * 24 * time.Hour,
		Interval:  time.Hour,
		BatchSize: 100,
		Prefix:    "groups",
	}, slog.New(slog.DiscardHandler))

	count, err := arch.Export(context.Background(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if writer.multiparts != 0 {
		t.Fatalf("multiparts = %d, want 0 for small payloads", writer.multiparts)
	}

	janObj, ok := writer.objects["groups/2025-01.jsonl"]
	if !ok {
		t.Fatalf("missing groups/2025-01.jsonl, have %v", keys(writer.objects))
	}
	if n := bytes.Count(janObj, []byte("\n")); n != 2 {
		t.Fatalf("january lines = %d, want 2", n)
	}
	if _, ok := writer.objects["groups/2025-02.jsonl"]; !ok {
		t.Fatalf("missing groups/2025-02.jsonl")
	}

	var rec archivedGroup
	line := janObj[:bytes.IndexByte(janObj, '\n')]
	if err := json.Unmarshal(line, &rec); err != nil {
		t.Fatalf("decode first line: %v", err)
	}
	if rec.ID != 1 || rec.Status != string(domain.GroupStatusSucceeded) {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Members) != 3 || !rec.Members[0].IsLeader {
		t.Fatalf("members = %+v", rec.Members)
	}
}

func TestArchiverExportRespectsCutoffAndBatch(t *testing.T) {
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	groups := &fakeGroupStore{instances: []domain.GroupInstance{
		terminalInstance(1, domain.GroupStatusFailed, mar),
		terminalInstance(2, domain.GroupStatusFailed, mar.Add(time.Hour)),
		terminalInstance(3, domain.GroupStatusFailed, mar.Add(2*time.Hour)),
	}}
	members := &fakeMemberStore{byGroup: map[int64][]domain.Membership{}}

	writer := newFakeWriter()
	arch := NewArchiver(writer, groups, members, ArchiverConfig{
		Retention: time.Hour,
		Interval:  time.Hour,
		BatchSize: 2,
		Prefix:    "cold",
	}, slog.New(slog.DiscardHandler))

	count, err := arch.Export(context.Background(), mar.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	// Instance 3 is after the cutoff and the batch cap holds the rest to 2.
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	obj := writer.objects["cold/2025-03.jsonl"]
	if obj == nil {
		t.Fatalf("missing cold/2025-03.jsonl")
	}
	if strings.Contains(string(obj), "\"id\":3") {
		t.Fatalf("instance past cutoff was exported: %s", obj)
	}
}

func TestArchiverExportEmpty(t *testing.T) {
	writer := newFakeWriter()
	arch := NewArchiver(writer, &fakeGroupStore{}, &fakeMemberStore{}, ArchiverConfig{
		Retention: time.Hour,
		Interval:  time.Hour,
	}, slog.New(slog.DiscardHandler))

	count, err := arch.Export(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	if len(writer.objects) != 0 {
		t.Fatalf("objects written for empty export: %v", keys(writer.objects))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
