// Package storage maintains the durable JSON index of recording files and
// the directory-per-camera layout beneath the storage base path.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/visionline/visiond/internal/config"
)

// FileStatus tracks an indexed recording through its life.
type FileStatus string

const (
	StatusRecording FileStatus = "recording"
	StatusCompleted FileStatus = "completed"
	StatusUnknown   FileStatus = "unknown"
)

// FileRecord is one entry of the persisted index.
type FileRecord struct {
	CameraName      string     `json:"camera_name"`
	Filename        string     `json:"filename"` // absolute path
	FileID          string     `json:"file_id"`  // basename
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	FileSizeBytes   *int64     `json:"file_size_bytes,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	FrameCount      *int64     `json:"frame_count,omitempty"`
	MachineTrigger  string     `json:"machine_trigger,omitempty"`
	Status          FileStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// indexFile is the on-disk shape at <base>/file_index.json.
type indexFile struct {
	Files       map[string]FileRecord `json:"files"`
	LastUpdated *time.Time            `json:"last_updated"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Camera string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	FilesRemoved int      `json:"files_removed"`
	BytesFreed   int64    `json:"bytes_freed"`
	Errors       []string `json:"errors"`
}

// IntegrityReport summarizes one integrity check.
type IntegrityReport struct {
	TotalFilesInIndex int      `json:"total_files_in_index"`
	MissingFiles      []string `json:"missing_files"`
	OrphanedFiles     []string `json:"orphaned_files"`
	FixedIssues       int      `json:"fixed_issues"`
}

// CameraStats is the per-camera rollup inside Statistics.
type CameraStats struct {
	FileCount            int     `json:"file_count"`
	TotalSizeBytes       int64   `json:"total_size_bytes"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
}

// DiskUsage describes the filesystem holding the base path.
type DiskUsage struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Statistics aggregates index and filesystem state.
type Statistics struct {
	BasePath       string                 `json:"base_path"`
	TotalFiles     int                    `json:"total_files"`
	TotalSizeBytes int64                  `json:"total_size_bytes"`
	Cameras        map[string]CameraStats `json:"cameras"`
	DiskUsage      *DiskUsage             `json:"disk_usage,omitempty"`
}

// videoExtensions are the container suffixes recognized by disk scans.
var videoExtensions = map[string]bool{".mp4": true, ".avi": true}

// Index owns the JSON file index. The in-memory mirror is authoritative
// between mutations; every mutation writes through atomically.
type Index struct {
	mu       sync.Mutex
	basePath string
	path     string
	cameras  []config.CameraConfig
	files    map[string]FileRecord
	logger   *slog.Logger
}

// NewIndex loads or creates the index under cfg.Storage.BasePath and
// ensures the per-camera directory layout exists.
func NewIndex(cfg *config.Config) (*Index, error) {
	idx := &Index{
		basePath: cfg.Storage.BasePath,
		path:     filepath.Join(cfg.Storage.BasePath, "file_index.json"),
		cameras:  append([]config.CameraConfig(nil), cfg.Cameras...),
		files:    make(map[string]FileRecord),
		logger:   slog.Default().With("component", "storage"),
	}

	if err := os.MkdirAll(idx.basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage base path: %w", err)
	}
	for _, cam := range idx.cameras {
		if err := os.MkdirAll(cam.StoragePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir for %s: %w", cam.Name, err)
		}
	}

	if err := idx.load(); err != nil {
		// A corrupt index is not fatal: start from the empty mirror and
		// let the next mutation rewrite it.
		idx.logger.Error("Failed to load file index, starting empty", "error", err)
	}
	return idx, nil
}

func (i *Index) load() error {
	data, err := os.ReadFile(i.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse file index: %w", err)
	}
	if f.Files != nil {
		i.files = f.Files
	}
	return nil
}

// save writes the mirror to disk atomically. Caller must hold mu. A failed
// write keeps the mirror; the next mutation retries.
func (i *Index) save() {
	now := time.Now()
	data, err := json.MarshalIndent(indexFile{Files: i.files, LastUpdated: &now}, "", "  ")
	if err != nil {
		i.logger.Error("Failed to marshal file index", "error", err)
		return
	}

	tmpPath := i.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		i.logger.Error("Failed to write file index", "error", err)
		return
	}
	if err := os.Rename(tmpPath, i.path); err != nil {
		i.logger.Error("Failed to replace file index", "error", err)
	}
}

// Register creates an entry for a recording in progress and returns its
// file ID.
func (i *Index) Register(camera, path string, start time.Time, machineTrigger string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	fileID := filepath.Base(path)
	i.files[fileID] = FileRecord{
		CameraName:     camera,
		Filename:       path,
		FileID:         fileID,
		StartTime:      start,
		MachineTrigger: machineTrigger,
		Status:         StatusRecording,
		CreatedAt:      time.Now(),
	}
	i.save()

	i.logger.Info("Registered recording file", "file_id", fileID, "camera", camera)
	return fileID
}

// Finalize marks a recording complete, stamping duration, frame count and
// the size observed on disk.
func (i *Index) Finalize(fileID string, end time.Time, durationSeconds float64, frames int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.files[fileID]
	if !ok {
		return fmt.Errorf("file not found in index: %s", fileID)
	}
	rec.EndTime = &end
	rec.DurationSeconds = &durationSeconds
	if frames > 0 {
		rec.FrameCount = &frames
	}
	rec.Status = StatusCompleted
	if info, err := os.Stat(rec.Filename); err == nil {
		size := info.Size()
		rec.FileSizeBytes = &size
	}
	i.files[fileID] = rec
	i.save()

	i.logger.Info("Finalized recording file", "file_id", fileID, "duration_seconds", durationSeconds)
	return nil
}

// FileInfo returns a copy of one index entry.
func (i *Index) FileInfo(fileID string) (FileRecord, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.files[fileID]
	return rec, ok
}

// Delete removes an entry and its file on disk.
func (i *Index) Delete(fileID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.files[fileID]
	if !ok {
		return fmt.Errorf("file not found in index: %s", fileID)
	}
	if err := os.Remove(rec.Filename); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", rec.Filename, err)
	}
	delete(i.files, fileID)
	i.save()
	return nil
}

// List merges indexed entries with files found on disk. Disk-only files
// get status unknown with timestamps synthesized from mtime. Results are
// sorted by start time descending; the limit applies last.
func (i *Index) List(filter ListFilter) []FileRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	var out []FileRecord
	indexed := make(map[string]bool)

	for _, rec := range i.files {
		if filter.Camera != "" && rec.CameraName != filter.Camera {
			continue
		}
		if !inRange(rec.StartTime, filter.Since, filter.Until) {
			continue
		}
		out = append(out, rec)
		indexed[rec.Filename] = true
	}

	for _, cam := range i.cameras {
		if filter.Camera != "" && cam.Name != filter.Camera {
			continue
		}
		for _, path := range scanVideoFiles(cam.StoragePath) {
			if indexed[path] {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			mtime := info.ModTime()
			if !inRange(mtime, filter.Since, filter.Until) {
				continue
			}
			size := info.Size()
			out = append(out, FileRecord{
				CameraName:    cam.Name,
				Filename:      path,
				FileID:        filepath.Base(path),
				StartTime:     mtime,
				FileSizeBytes: &size,
				Status:        StatusUnknown,
				CreatedAt:     mtime,
			})
		}
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].StartTime.After(out[b].StartTime)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func inRange(t time.Time, since, until *time.Time) bool {
	if since != nil && t.Before(*since) {
		return false
	}
	if until != nil && t.After(*until) {
		return false
	}
	return true
}

func scanVideoFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !videoExtensions[filepath.Ext(e.Name())] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

// Stats scans the filesystem and the index for aggregate usage numbers.
func (i *Index) Stats() Statistics {
	i.mu.Lock()
	defer i.mu.Unlock()

	stats := Statistics{
		BasePath: i.basePath,
		Cameras:  make(map[string]CameraStats),
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(i.basePath, &fs); err == nil {
		total := fs.Blocks * uint64(fs.Bsize)
		free := fs.Bavail * uint64(fs.Bsize)
		used := total - free
		du := DiskUsage{TotalBytes: total, UsedBytes: used, FreeBytes: free}
		if total > 0 {
			du.UsedPercent = float64(used) / float64(total) * 100
		}
		stats.DiskUsage = &du
	}

	// Count what is actually on disk, not just what the index knows.
	for _, cam := range i.cameras {
		cs := stats.Cameras[cam.Name]
		for _, path := range scanVideoFiles(cam.StoragePath) {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			stats.TotalFiles++
			stats.TotalSizeBytes += info.Size()
			cs.FileCount++
			cs.TotalSizeBytes += info.Size()
		}
		stats.Cameras[cam.Name] = cs
	}

	for _, rec := range i.files {
		if rec.DurationSeconds == nil {
			continue
		}
		if cs, ok := stats.Cameras[rec.CameraName]; ok {
			cs.TotalDurationSeconds += *rec.DurationSeconds
			stats.Cameras[rec.CameraName] = cs
		}
	}
	return stats
}

// Cleanup removes completed recordings older than maxAgeDays and their
// index entries.
func (i *Index) Cleanup(maxAgeDays int) CleanupReport {
	i.mu.Lock()
	defer i.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	report := CleanupReport{Errors: []string{}}

	for fileID, rec := range i.files {
		if rec.Status != StatusCompleted || !rec.StartTime.Before(cutoff) {
			continue
		}
		if info, err := os.Stat(rec.Filename); err == nil {
			if err := os.Remove(rec.Filename); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", fileID, err))
				continue
			}
			report.BytesFreed += info.Size()
		}
		delete(i.files, fileID)
		report.FilesRemoved++
	}

	if report.FilesRemoved > 0 {
		i.save()
	}
	i.logger.Info("Cleanup completed",
		"files_removed", report.FilesRemoved, "bytes_freed", report.BytesFreed)
	return report
}

// VerifyIntegrity drops index entries whose files are gone and reports
// orphan files on disk that the index does not know.
func (i *Index) VerifyIntegrity() IntegrityReport {
	i.mu.Lock()
	defer i.mu.Unlock()

	report := IntegrityReport{
		TotalFilesInIndex: len(i.files),
		MissingFiles:      []string{},
		OrphanedFiles:     []string{},
	}

	for fileID, rec := range i.files {
		if _, err := os.Stat(rec.Filename); os.IsNotExist(err) {
			report.MissingFiles = append(report.MissingFiles, fileID)
			delete(i.files, fileID)
			report.FixedIssues++
		}
	}

	for _, cam := range i.cameras {
		for _, path := range scanVideoFiles(cam.StoragePath) {
			if _, ok := i.files[filepath.Base(path)]; !ok {
				report.OrphanedFiles = append(report.OrphanedFiles, path)
			}
		}
	}

	if report.FixedIssues > 0 {
		i.save()
	}
	i.logger.Info("Storage integrity check completed", "fixed_issues", report.FixedIssues)
	return report
}
