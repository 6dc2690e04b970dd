// Package retention implements the Retention Janitor (C9): periodic
// deletion of terminal queue rows and aged audit/log files, per spec §4.8.
// An optional Archiver is consulted before each deletion so a fleet operator
// can mirror terminal records to a central store first (supplement to
// spec.md, grounded on §6's export_local_files operation).
package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/kerrors"
	"github.com/kioskops/edge-sdk/internal/store"
)

// Archiver mirrors a terminal event or an aged audit file to a central
// store before local deletion. A nil Archiver (or the NoopArchiver) skips
// this step entirely.
type Archiver interface {
	ArchiveEvent(ctx context.Context, e store.Event) error
	ArchiveAuditFile(ctx context.Context, path string, contents []byte) error
}

// NoopArchiver is the default: it discards everything offered to it.
type NoopArchiver struct{}

func (NoopArchiver) ArchiveEvent(context.Context, store.Event) error         { return nil }
func (NoopArchiver) ArchiveAuditFile(context.Context, string, []byte) error { return nil }

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Janitor runs the purge pass described in spec §4.8.
type Janitor struct {
	Store    *store.Store
	AuditDir string
	LogsDir  string
	Policy   config.RetentionPolicy
	Archiver Archiver
	Clock    Clock
}

// Result reports what one Run purged.
type Result struct {
	SentPurged        int
	QuarantinedPurged int
	AuditFilesPurged  int
	LogFilesPurged    int
}

func (j *Janitor) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return time.Now()
}

func (j *Janitor) archiver() Archiver {
	if j.Archiver != nil {
		return j.Archiver
	}
	return NoopArchiver{}
}

// Run purges SENT rows past retain_sent_days, QUARANTINED rows past
// retain_failed_days, audit day-files past retain_audit_days, and log files
// past retain_logs_days. Non-terminal rows are never touched.
func (j *Janitor) Run(ctx context.Context) (Result, error) {
	now := j.now()
	var res Result

	n, err := j.purgeEventState(ctx, store.Sent, j.Policy.RetainSentDays, now)
	if err != nil {
		return res, err
	}
	res.SentPurged = n

	n, err = j.purgeEventState(ctx, store.Quarantined, j.Policy.RetainFailedDays, now)
	if err != nil {
		return res, err
	}
	res.QuarantinedPurged = n

	if j.AuditDir != "" {
		n, err = j.purgeAuditFiles(ctx, now)
		if err != nil {
			return res, err
		}
		res.AuditFilesPurged = n
	}

	if j.LogsDir != "" {
		n, err = j.purgeAgedFiles(ctx, j.LogsDir, j.Policy.RetainLogsDays, now, nil)
		if err != nil {
			return res, err
		}
		res.LogFilesPurged = n
	}

	return res, nil
}

func (j *Janitor) purgeEventState(ctx context.Context, state store.State, retainDays int, now time.Time) (int, error) {
	cutoffMs := now.AddDate(0, 0, -retainDays).UnixMilli()
	rows, err := j.Store.SelectBefore(ctx, state, cutoffMs)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, e := range rows {
		if err := j.archiver().ArchiveEvent(ctx, e); err != nil {
			continue // best-effort: archiving failure must not block local purge
		}
		if err := j.Store.DeleteByID(ctx, e.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// audit_YYYY-MM-DD.jsonl[.enc]
func (j *Janitor) purgeAuditFiles(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -j.Policy.RetainAuditDays)
	return j.purgeAgedFiles(ctx, j.AuditDir, j.Policy.RetainAuditDays, now, func(name string) (time.Time, bool) {
		base := strings.TrimPrefix(name, "audit_")
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".enc"), ".jsonl")
		day, err := time.Parse("2006-01-02", base)
		if err != nil {
			return time.Time{}, false
		}
		return day, day.Before(cutoff) || day.Equal(cutoff)
	})
}

// purgeAgedFiles deletes files in dir whose age exceeds retainDays. If
// dayOf is nil, file mtime is used; otherwise dayOf(name) decides both the
// file's logical day and whether it's already past cutoff.
func (j *Janitor) purgeAgedFiles(ctx context.Context, dir string, retainDays int, now time.Time, dayOf func(name string) (time.Time, bool)) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, kerrors.Wrap(kerrors.ErrIoFailure, "reading %s: %v", dir, err)
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name() < entries[k].Name() })

	cutoff := now.AddDate(0, 0, -retainDays)
	purged := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.Name() == "chain_state.json" {
			continue // sidecar counter, not a day-file
		}

		var expired bool
		if dayOf != nil {
			_, expired = dayOf(entry.Name())
		} else {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			expired = info.ModTime().Before(cutoff)
		}
		if !expired {
			continue
		}

		contents, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := j.archiver().ArchiveAuditFile(ctx, path, contents); err != nil {
			continue // best-effort
		}
		if err := os.Remove(path); err != nil {
			return purged, kerrors.Wrap(kerrors.ErrIoFailure, "removing %s: %v", path, err)
		}
		purged++
	}
	return purged, nil
}
