// Package votelog implements the append-only vote log and its co-located
// hourly-limit detection stream. It is the fleet's durability boundary: every
// row is fsync'd before AppendAttempt returns, and internal/fleet replays the
// log at startup to recover each instance's last outcome (and its success
// tally where no session record exists).
package votelog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Header order is bit-exact; tests and historical logs depend on it.
var attemptHeader = []string{
	"timestamp", "instance_id", "instance_name", "time_of_click", "status",
	"voting_url", "cooldown_message", "failure_type", "failure_reason",
	"initial_vote_count", "final_vote_count", "vote_count_change",
	"proxy_ip", "session_token", "click_attempts", "error_message", "browser_closed",
}

var hourlyLimitHeader = []string{
	"detected_at", "instance_id", "instance_name", "vote_count",
	"proxy_ip", "session_token", "cooldown_message", "failure_type",
}

// FailureType is the closed set of non-empty failure_type values.
type FailureType string

const (
	FailureNone              FailureType = ""
	FailureIPCooldown        FailureType = "ip_cooldown"
	FailureTechnical         FailureType = "technical"
	FailureLoginRequired     FailureType = "login_required"
	FailureGlobalHourlyLimit FailureType = "global_hourly_limit"
	FailureProxyConflict     FailureType = "proxy_conflict"
)

// VoteLogEntry is one attempt record, 17 columns in spec order.
type VoteLogEntry struct {
	Timestamp         time.Time
	InstanceID        int
	InstanceName      string
	TimeOfClick       time.Time
	Status            string // "success" or "failed"
	VotingURL         string
	CooldownMessage   string
	FailureType       FailureType
	FailureReason     string
	InitialVoteCount  *int // nil -> empty field, not zero
	FinalVoteCount    *int
	VoteCountChange   *int
	ProxyIP           string
	SessionToken      string
	ClickAttempts     int
	ErrorMessage      string
	BrowserClosed     bool
}

// HourlyLimitEntry is one global-hourly-limit detection.
type HourlyLimitEntry struct {
	DetectedAt       time.Time
	InstanceID       int
	InstanceName     string
	VoteCount        int
	ProxyIP          string
	SessionToken     string
	CooldownMessage  string
	FailureType      FailureType
}

// StorageError wraps unrecoverable I/O failures from the log writer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("votelog: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Log is the durable, single-writer vote log plus its hourly-limit stream.
// Both files live in the same directory; the hourly-limit path is always
// derived from the attempt-log path so the two streams can never drift
// apart (the bug the spec calls out in §4.1).
type Log struct {
	mu       sync.Mutex
	path     string
	hourPath string
}

// Open creates (or appends to) the vote log at path, writing CSV headers if
// the files are new. The hourly-limit stream is created alongside it.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{"mkdir", err}
		}
	}
	hourPath := hourlyLimitPath(path)

	if err := ensureHeader(path, attemptHeader); err != nil {
		return nil, &StorageError{"open attempt log", err}
	}
	if err := ensureHeader(hourPath, hourlyLimitHeader); err != nil {
		return nil, &StorageError{"open hourly-limit log", err}
	}

	return &Log{path: path, hourPath: hourPath}, nil
}

func hourlyLimitPath(attemptPath string) string {
	dir := filepath.Dir(attemptPath)
	ext := filepath.Ext(attemptPath)
	base := strings.TrimSuffix(filepath.Base(attemptPath), ext)
	return filepath.Join(dir, base+"_hourly_limit"+ext)
}

func ensureHeader(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// AppendAttempt durably appends one row. It retries transient I/O errors
// with bounded exponential back-off before giving up with a StorageError.
func (l *Log) AppendAttempt(e VoteLogEntry) error {
	row := attemptRow(e)
	return l.appendRowRetrying(l.path, row, "append attempt")
}

// AppendHourlyLimit durably appends one hourly-limit detection row.
func (l *Log) AppendHourlyLimit(e HourlyLimitEntry) error {
	row := hourlyLimitRow(e)
	return l.appendRowRetrying(l.hourPath, row, "append hourly limit")
}

func (l *Log) appendRowRetrying(path string, row []string, op string) error {
	const maxAttempts = 3
	const baseDelay = 100 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := l.appendRow(path, row); err != nil {
			lastErr = err
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt-1)))
			continue
		}
		return nil
	}
	return &StorageError{op, lastErr}
}

// appendRow performs the actual durable write: open for append, write one
// CSV-encoded row, flush, and fsync before returning. The process-wide mutex
// enforces the single-writer discipline the spec requires (§5) so two
// Instance goroutines can never interleave mid-record.
func (l *Log) appendRow(path string, row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func attemptRow(e VoteLogEntry) []string {
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		strconv.Itoa(e.InstanceID),
		e.InstanceName,
		e.TimeOfClick.UTC().Format(time.RFC3339),
		e.Status,
		e.VotingURL,
		e.CooldownMessage,
		string(e.FailureType),
		e.FailureReason,
		intOrEmpty(e.InitialVoteCount),
		intOrEmpty(e.FinalVoteCount),
		intOrEmpty(e.VoteCountChange),
		e.ProxyIP,
		e.SessionToken,
		strconv.Itoa(e.ClickAttempts),
		e.ErrorMessage,
		strconv.FormatBool(e.BrowserClosed),
	}
}

func hourlyLimitRow(e HourlyLimitEntry) []string {
	return []string{
		e.DetectedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(e.InstanceID),
		e.InstanceName,
		strconv.Itoa(e.VoteCount),
		e.ProxyIP,
		e.SessionToken,
		e.CooldownMessage,
		string(e.FailureType),
	}
}

func intOrEmpty(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// ReadAll scans the attempt log linearly, in file order. Used only at
// startup to reconstruct per-instance state; a full scan is acceptable per
// spec (§4.1).
func (l *Log) ReadAll() ([]VoteLogEntry, error) {
	return readAttempts(l.path)
}

func readAttempts(path string) ([]VoteLogEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{"read attempts", err}
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &StorageError{"read attempts", err}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rows = rows[1:] // drop header

	entries := make([]VoteLogEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(attemptHeader) {
			continue
		}
		e, err := parseAttemptRow(row)
		if err != nil {
			continue // tolerate a malformed historical row rather than aborting replay
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseAttemptRow(row []string) (VoteLogEntry, error) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return VoteLogEntry{}, err
	}
	toc, err := time.Parse(time.RFC3339, row[3])
	if err != nil {
		toc = ts
	}
	instanceID, err := strconv.Atoi(row[1])
	if err != nil {
		return VoteLogEntry{}, err
	}
	clickAttempts, _ := strconv.Atoi(row[14])
	browserClosed, _ := strconv.ParseBool(row[16])

	return VoteLogEntry{
		Timestamp:        ts,
		InstanceID:       instanceID,
		InstanceName:     row[2],
		TimeOfClick:      toc,
		Status:           row[4],
		VotingURL:        row[5],
		CooldownMessage:  row[6],
		FailureType:      FailureType(row[7]),
		FailureReason:    row[8],
		InitialVoteCount: parseEmptyInt(row[9]),
		FinalVoteCount:   parseEmptyInt(row[10]),
		VoteCountChange:  parseEmptyInt(row[11]),
		ProxyIP:          row[12],
		SessionToken:     row[13],
		ClickAttempts:    clickAttempts,
		ErrorMessage:     row[15],
		BrowserClosed:    browserClosed,
	}, nil
}

func parseEmptyInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// HourBucket summarises one hour of activity, joining the attempt stream
// with the hourly-limit stream.
type HourBucket struct {
	Hour              time.Time
	Total             int
	Success           int
	Failed            int
	HourlyLimitCount  int
	VotesBeforeLimit  int
}

// HourlyAnalytics joins the two streams by hour bucket. It reads both files
// fresh each call; the log is not expected to be queried at a rate that
// makes that costly.
func (l *Log) HourlyAnalytics(now time.Time) (map[time.Time]*HourBucket, error) {
	attempts, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	limits, err := readHourlyLimits(l.hourPath)
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time]*HourBucket)
	bucketFor := func(t time.Time) *HourBucket {
		hour := t.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &HourBucket{Hour: hour}
			buckets[hour] = b
		}
		return b
	}

	for _, a := range attempts {
		b := bucketFor(a.Timestamp)
		b.Total++
		if a.Status == "success" {
			b.Success++
		} else {
			b.Failed++
		}
	}
	for _, h := range limits {
		b := bucketFor(h.DetectedAt)
		b.HourlyLimitCount++
		b.VotesBeforeLimit += h.VoteCount
	}
	return buckets, nil
}

func readHourlyLimits(path string) ([]HourlyLimitEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{"read hourly limits", err}
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil && err != io.EOF {
		return nil, &StorageError{"read hourly limits", err}
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	rows = rows[1:]

	entries := make([]HourlyLimitEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(hourlyLimitHeader) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			continue
		}
		instanceID, _ := strconv.Atoi(row[1])
		voteCount, _ := strconv.Atoi(row[3])
		entries = append(entries, HourlyLimitEntry{
			DetectedAt:      ts,
			InstanceID:      instanceID,
			InstanceName:    row[2],
			VoteCount:       voteCount,
			ProxyIP:         row[4],
			SessionToken:    row[5],
			CooldownMessage: row[6],
			FailureType:     FailureType(row[7]),
		})
	}
	return entries, nil
}

// Path returns the attempt log's path.
func (l *Log) Path() string { return l.path }

// HourlyLimitPath returns the co-located hourly-limit stream's path.
func (l *Log) HourlyLimitPath() string { return l.hourPath }
