package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// multipartThreshold is the JSONL payload size above which the archiver
// switches from a single PutObject to a multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// GroupArchiveStore provides the read access the archiver needs. The
// Postgres GroupStore satisfies it through ListTerminalBefore.
type GroupArchiveStore interface {
	// ListTerminalBefore returns succeeded or failed instances created
	// strictly before the cutoff, at most limit rows.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.GroupInstance, error)
}

// MemberArchiveStore resolves the membership roster for an archived group.
type MemberArchiveStore interface {
	ListByGroup(ctx context.Context, groupID int64) ([]domain.Membership, error)
}

// ArchiverConfig holds the export parameters.
type ArchiverConfig struct {
	// Retention is the age past which terminal instances are exported.
	Retention time.Duration

	// Interval is the pause between export passes when running via Run.
	Interval time.Duration

	// BatchSize caps the number of instances exported per pass.
	BatchSize int

	// Prefix is the key prefix for archive objects in the bucket.
	Prefix string
}

// archivedGroup is the JSONL wire record for one exported instance. The
// roster is embedded so an archive line is self-contained.
type archivedGroup struct {
	ID          int64            `json:"id"`
	GroupNo     string           `json:"group_no"`
	ActivityID  int64            `json:"activity_id"`
	LeaderID    int64            `json:"leader_id"`
	GroupSize   int              `json:"group_size"`
	CurrentSize int              `json:"current_size"`
	GroupPrice  float64          `json:"group_price"`
	Status      string           `json:"status"`
	Deadline    time.Time        `json:"deadline"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Members     []archivedMember `json:"members"`
}

type archivedMember struct {
	ShopperID int64     `json:"shopper_id"`
	IsLeader  bool      `json:"is_leader"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Archiver exports terminal group instances to cold storage as JSONL files
// partitioned by the month the group was created. Exports are idempotent:
// re-running a pass rewrites the same monthly objects with the same rows.
// Purging exported rows from the primary store is a separate, explicit step
// taken after the archive has been verified.
type Archiver struct {
	writer  domain.BlobWriter
	groups  GroupArchiveStore
	members MemberArchiveStore
	cfg     ArchiverConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, groups GroupArchiveStore, members MemberArchiveStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "groups"
	}
	return &Archiver{
		writer:  writer,
		groups:  groups,
		members: members,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "archiver"),
	}
}

// Run executes an export pass every Interval until the context is cancelled.
// A failed pass is logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archiver started",
		"interval", a.cfg.Interval.String(),
		"retention", a.cfg.Retention.String(),
		"prefix", a.cfg.Prefix)

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			cutoff := a.now().Add(-a.cfg.Retention)
			count, err := a.Export(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "export pass failed", "error", err)
				continue
			}
			if count > 0 {
				a.logger.InfoContext(ctx, "export pass complete", "archived", count)
			}
		}
	}
}

// Export uploads all terminal instances created before the cutoff, up to the
// configured batch size, grouped into one JSONL object per creation month.
// It returns the number of instances exported.
func (a *Archiver) Export(ctx context.Context, before time.Time) (int64, error) {
	instances, err := a.groups.ListTerminalBefore(ctx, before, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(instances) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]archivedGroup)
	for _, inst := range instances {
		rec, err := a.record(ctx, inst)
		if err != nil {
			return 0, err
		}
		month := inst.CreatedAt.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], rec)
	}

	var count int64
	for month, recs := range byMonth {
		buf, err := marshalJSONL(recs)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive marshal %s: %w", month, err)
		}

		path := fmt.Sprintf("%s/%s.jsonl", a.cfg.Prefix, month)
		if err := a.upload(ctx, path, buf); err != nil {
			return count, fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}
		count += int64(len(recs))

		a.logger.DebugContext(ctx, "archive object written",
			"path", path, "records", len(recs), "bytes", len(buf))
	}

	return count, nil
}

// record builds the wire record for one instance, resolving its roster.
func (a *Archiver) record(ctx context.Context, inst domain.GroupInstance) (archivedGroup, error) {
	members, err := a.members.ListByGroup(ctx, inst.ID)
	if err != nil {
		return archivedGroup{}, fmt.Errorf("s3blob: archive roster for group %d: %w", inst.ID, err)
	}

	rec := archivedGroup{
		ID:          inst.ID,
		GroupNo:     inst.GroupNo,
		ActivityID:  inst.ActivityID,
		LeaderID:    inst.LeaderID,
		GroupSize:   inst.GroupSize,
		CurrentSize: inst.CurrentSize,
		GroupPrice:  inst.GroupPrice,
		Status:      string(inst.Status),
		Deadline:    inst.Deadline,
		CompletedAt: inst.CompletedAt,
		CreatedAt:   inst.CreatedAt,
		Members:     make([]archivedMember, 0, len(members)),
	}
	for _, m := range members {
		rec.Members = append(rec.Members, archivedMember{
			ShopperID: m.ShopperID,
			IsLeader:  m.IsLeader,
			JoinedAt:  m.JoinedAt,
		})
	}
	return rec, nil
}

// upload picks the single-shot path for small payloads and multipart for
// anything past the threshold.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
