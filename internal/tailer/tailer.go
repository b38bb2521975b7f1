// Package tailer discovers per-session agent log files and reads them
// incrementally. Three complementary producers feed one serialized
// dispatch queue: a bounded initial scan of each log root, an OS-level
// directory-change notification, and a fixed-interval poll that
// re-stats every tracked file. Notification delivery is not reliable
// on every platform, so the poll is a mandatory backstop rather than
// an optimization.
package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"sessionsync/internal/normalize"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Layout describes how a log root organizes session files.
type Layout string

const (
	// LayoutDated is a date-partitioned tree: root/YYYY/MM/DD/*.jsonl.
	LayoutDated Layout = "dated"
	// LayoutProjects is a flat per-project tree: root/*/*.jsonl.
	LayoutProjects Layout = "projects"
)

// Root is one directory tree of agent session logs.
type Root struct {
	Path      string
	AgentKind string
	Layout    Layout
}

// Config tunes the tailer.
type Config struct {
	Roots         []Root
	PollInterval  time.Duration // default 2s
	RetentionDays int           // initial-scan window, default 2 calendar days
}

// =============================================================================
// TRACKED FILES
// =============================================================================

// TrackedFile is one discovered log file. Entries are never evicted:
// a file that vanishes from disk keeps its entry and simply produces
// no further records. ByteOffset is monotonic non-decreasing.
type TrackedFile struct {
	Path             string
	ExternalID       string
	AgentKind        string
	ByteOffset       int64
	LastModified     time.Time
	Family           normalize.Family
	CachedCWD        string
	FirstUserMessage string
}

// =============================================================================
// EMITTED EVENTS
// =============================================================================

// EventType discriminates tailer emissions.
type EventType int

const (
	// EventNewFile announces a newly tracked file (after its seeding
	// read, which emits no records).
	EventNewFile EventType = iota
	// EventRecord carries one parsed log line plus the tailing context
	// the normalizer needs.
	EventRecord
)

// Event is one tailer emission. For records, Line holds the raw line
// bytes and CWD the cwd cached for the file at the time the line was
// read.
type Event struct {
	Type       EventType
	Path       string
	ExternalID string
	AgentKind  string
	CWD        string
	Line       []byte
}

// =============================================================================
// TAILER
// =============================================================================

// internal dispatch queue entry: a path to examine for a given root
// kind.
type trigger struct {
	path string
	kind string
}

// Tailer tracks log files across the configured roots. It is
// constructed explicitly and injected where needed; Start and Stop
// bound all background work.
type Tailer struct {
	cfg     Config
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	files       map[string]*TrackedFile
	watchedDirs map[string]bool

	triggers chan trigger
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// New creates a tailer. The fsnotify watcher is created eagerly so a
// platform without inotify capacity fails at startup, not mid-run.
func New(cfg Config) (*Tailer, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tailer{
		cfg:         cfg,
		watcher:     w,
		files:       make(map[string]*TrackedFile),
		watchedDirs: make(map[string]bool),
		triggers:    make(chan trigger, 1024),
		events:      make(chan Event, 1024),
		ctx:         ctx,
		cancel:      cancel,
		log:         logrus.WithField("component", "tailer"),
	}, nil
}

// Events returns the emission channel. Closed after Stop.
func (t *Tailer) Events() <-chan Event {
	return t.events
}

// Start runs the initial scan and launches the watch, poll and
// dispatch loops.
func (t *Tailer) Start() {
	t.wg.Add(3)
	go t.dispatchLoop()
	go t.watchLoop()
	go t.pollLoop()

	for _, root := range t.cfg.Roots {
		t.watchTree(root.Path)
		for _, path := range t.scanRoot(root) {
			t.enqueue(trigger{path: path, kind: root.AgentKind})
		}
	}
}

// Stop cancels all background work, closes the watch handles and waits
// until no goroutine can touch shared state anymore. The events
// channel is closed before Stop returns.
func (t *Tailer) Stop() {
	t.cancel()
	t.watcher.Close()
	t.wg.Wait()
	close(t.events)
}

// Tracked returns a snapshot of a tracked file by path.
func (t *Tailer) Tracked(path string) (TrackedFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[path]; ok {
		return *f, true
	}
	return TrackedFile{}, false
}

// TrackedCount returns the number of tracked files.
func (t *Tailer) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// enqueue pushes a trigger unless the tailer is stopping.
func (t *Tailer) enqueue(tr trigger) {
	select {
	case t.triggers <- tr:
	case <-t.ctx.Done():
	}
}

// emit pushes an event unless the tailer is stopping.
func (t *Tailer) emit(e Event) {
	select {
	case t.events <- e:
	case <-t.ctx.Done():
	}
}

// =============================================================================
// DISPATCH - the single goroutine that mutates tracked-file state
// =============================================================================

// dispatchLoop is the only place Track and readNewContent run. The
// scan, watch and poll producers all funnel through it, so a watch
// callback and a poll tick can never race on the same file's offset.
func (t *Tailer) dispatchLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case tr := <-t.triggers:
			t.process(tr)
		}
	}
}

// process tracks an unknown path or reads new content from a known
// one.
func (t *Tailer) process(tr trigger) {
	t.mu.Lock()
	f, known := t.files[tr.path]
	t.mu.Unlock()

	if !known {
		t.Track(tr.path, tr.kind)
		return
	}
	t.readNewContent(f)
}

// Track begins tailing a log file. Re-tracking an already-tracked path
// is a no-op. The external id is extracted from the filename once and
// is immutable afterwards. One synchronous read seeds the cached cwd
// and first user message without emitting records, so history already
// on disk is not replayed to subscribers.
func (t *Tailer) Track(path, kind string) {
	t.mu.Lock()
	if _, ok := t.files[path]; ok {
		t.mu.Unlock()
		return
	}
	f := &TrackedFile{
		Path:       path,
		ExternalID: ExtractExternalID(path),
		AgentKind:  kind,
	}
	t.files[path] = f
	t.mu.Unlock()

	t.seed(f)

	t.mu.Lock()
	cwd := f.CachedCWD
	family := f.Family
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"path":       path,
		"externalId": f.ExternalID,
		"family":     family.String(),
	}).Info("tracking log file")

	t.emit(Event{
		Type:       EventNewFile,
		Path:       f.Path,
		ExternalID: f.ExternalID,
		AgentKind:  f.AgentKind,
		CWD:        cwd,
	})
}

// seed performs the initial suppressed read: offsets advance to EOF
// and per-line metadata is cached, but nothing is emitted.
func (t *Tailer) seed(f *TrackedFile) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		// The file may not exist yet (create event raced the writer);
		// the poll backstop will pick content up later.
		return
	}
	info, statErr := os.Stat(f.Path)

	// Entry fields are read by Tracked and the poll snapshot, so every
	// mutation happens under the tailer mutex.
	t.mu.Lock()
	defer t.mu.Unlock()
	if statErr == nil {
		f.LastModified = info.ModTime()
	}
	for _, line := range splitLines(data) {
		parsed, err := parseLine(line)
		if err != nil {
			continue
		}
		t.absorbMetadata(f, line, parsed)
	}
	f.ByteOffset = int64(len(data))
}

// readNewContent reads the whole file, slices from the tracked offset
// and advances the offset to the new length. Each non-blank line is
// parsed independently; one malformed line is logged and skipped
// without aborting the rest of the batch.
func (t *Tailer) readNewContent(f *TrackedFile) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		// Missing or unreadable file: leave the offset untouched and
		// try again next tick. A permanently gone file degrades to
		// no-op reads; tracked entries are never evicted.
		t.log.WithError(err).WithField("path", f.Path).Debug("log file unreadable, will retry")
		return
	}
	info, statErr := os.Stat(f.Path)

	t.mu.Lock()
	if statErr == nil {
		f.LastModified = info.ModTime()
	}
	if int64(len(data)) <= f.ByteOffset {
		// Nothing new. A shrunken file would mean truncation; the
		// offset stays monotonic and reading resumes once the file
		// grows past it again.
		t.mu.Unlock()
		return
	}
	fresh := data[f.ByteOffset:]
	f.ByteOffset = int64(len(data))
	t.mu.Unlock()

	for _, line := range splitLines(fresh) {
		parsed, err := parseLine(line)
		if err != nil {
			t.log.WithError(err).WithField("path", f.Path).Warn("skipping malformed log line")
			continue
		}
		// Mutate under the mutex, emit outside it: the channel send
		// can block while a consumer catches up.
		t.mu.Lock()
		t.absorbMetadata(f, line, parsed)
		ev := Event{
			Type:       EventRecord,
			Path:       f.Path,
			ExternalID: f.ExternalID,
			AgentKind:  f.AgentKind,
			CWD:        f.CachedCWD,
			Line:       line,
		}
		t.mu.Unlock()
		t.emit(ev)
	}
}

// absorbMetadata updates per-file cached state from one parsed record:
// schema family on first sight, cwd whenever a record carries one, and
// the first user message once. Caller holds t.mu.
func (t *Tailer) absorbMetadata(f *TrackedFile, line []byte, parsed map[string]any) {
	if f.Family == normalize.FamilyUnknown {
		f.Family = normalize.Sniff(line)
	}
	if cwd := extractCWD(parsed); cwd != "" {
		f.CachedCWD = cwd
	}
	if f.FirstUserMessage == "" {
		if msg := extractUserMessage(parsed); msg != "" {
			f.FirstUserMessage = msg
		}
	}
}

// splitLines splits raw bytes on newline, dropping blank lines.
func splitLines(data []byte) [][]byte {
	var out [][]byte
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, []byte(line))
	}
	return out
}

// parseLine parses one log line as a free-form JSON object.
func parseLine(line []byte) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal(line, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// =============================================================================
// PRODUCER: INITIAL SCAN
// =============================================================================

// scanRoot lists the session files the bounded initial scan should
// track. Date-partitioned roots only visit the directories of the
// retention window's calendar days; project roots glob one level of
// project directories and keep recently modified files.
func (t *Tailer) scanRoot(root Root) []string {
	switch root.Layout {
	case LayoutDated:
		return t.scanDated(root.Path)
	default:
		return t.scanProjects(root.Path)
	}
}

func (t *Tailer) scanDated(dir string) []string {
	var paths []string
	now := time.Now()
	for i := 0; i < t.cfg.RetentionDays; i++ {
		day := now.AddDate(0, 0, -i)
		dayDir := filepath.Join(dir,
			fmt.Sprintf("%04d", day.Year()),
			fmt.Sprintf("%02d", int(day.Month())),
			fmt.Sprintf("%02d", day.Day()))
		matches, err := filepath.Glob(filepath.Join(dayDir, "*.jsonl"))
		if err != nil {
			continue
		}
		paths = append(paths, matches...)
	}
	return paths
}

func (t *Tailer) scanProjects(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.jsonl"))
	if err != nil {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -t.cfg.RetentionDays)
	var paths []string
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// =============================================================================
// PRODUCER: DIRECTORY NOTIFICATIONS
// =============================================================================

// watchTree watches dir and every subdirectory. fsnotify watches are
// not recursive, so the tree is walked once here and extended from
// create events as new directories appear (new project dirs, new
// calendar-day dirs).
func (t *Tailer) watchTree(dir string) {
	if _, err := os.Stat(dir); err != nil {
		// Root missing (agent never ran): watch the parent so we see
		// the root get created later.
		t.watchDir(filepath.Dir(dir))
		return
	}
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			t.watchDir(path)
		}
		return nil
	})
}

func (t *Tailer) watchDir(dir string) {
	t.mu.Lock()
	already := t.watchedDirs[dir]
	if !already {
		t.watchedDirs[dir] = true
	}
	t.mu.Unlock()
	if already {
		return
	}
	if err := t.watcher.Add(dir); err != nil {
		t.log.WithError(err).WithField("dir", dir).Warn("cannot watch directory")
	}
}

// watchLoop converts filesystem notifications into triggers.
func (t *Tailer) watchLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleFSEvent(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.WithError(err).Warn("watch error")
		}
	}
}

func (t *Tailer) handleFSEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			t.watchDir(ev.Name)
			// Pick up files that landed before the watch was in place.
			matches, _ := filepath.Glob(filepath.Join(ev.Name, "*.jsonl"))
			for _, path := range matches {
				t.enqueue(trigger{path: path, kind: t.rootKind(path)})
			}
			return
		}
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		t.enqueue(trigger{path: ev.Name, kind: t.rootKind(ev.Name)})
	}
}

// rootKind resolves which configured root a path belongs to.
func (t *Tailer) rootKind(path string) string {
	for _, root := range t.cfg.Roots {
		if strings.HasPrefix(path, root.Path+string(filepath.Separator)) {
			return root.AgentKind
		}
	}
	if len(t.cfg.Roots) > 0 {
		return t.cfg.Roots[0].AgentKind
	}
	return ""
}

// =============================================================================
// PRODUCER: POLL BACKSTOP
// =============================================================================

// pollLoop re-stats every tracked file each tick and triggers a
// re-read whenever the modification time advanced or the file grew.
func (t *Tailer) pollLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.pollTick()
		}
	}
}

// PollTick runs one poll pass synchronously. Exposed for tests; the
// poll loop calls it on every interval.
func (t *Tailer) PollTick() {
	t.pollTick()
	t.drainTriggers()
}

func (t *Tailer) pollTick() {
	t.mu.Lock()
	type stat struct {
		path    string
		kind    string
		modTime time.Time
		offset  int64
	}
	snapshot := make([]stat, 0, len(t.files))
	for _, f := range t.files {
		snapshot = append(snapshot, stat{f.Path, f.AgentKind, f.LastModified, f.ByteOffset})
	}
	t.mu.Unlock()

	for _, s := range snapshot {
		info, err := os.Stat(s.path)
		if err != nil {
			t.log.WithError(err).WithField("path", s.path).Debug("poll stat failed")
			continue
		}
		if info.ModTime().After(s.modTime) || info.Size() > s.offset {
			t.enqueue(trigger{path: s.path, kind: s.kind})
		}
	}
}

// drainTriggers processes every queued trigger inline. Only used by
// PollTick so tests observe a deterministic full pass.
func (t *Tailer) drainTriggers() {
	for {
		select {
		case tr := <-t.triggers:
			t.process(tr)
		default:
			return
		}
	}
}

// =============================================================================
// RECORD METADATA EXTRACTION
// =============================================================================

// extractCWD finds a working directory in a raw record: top-level cwd
// first, then the session-log payload's cwd.
func extractCWD(parsed map[string]any) string {
	if cwd, ok := parsed["cwd"].(string); ok && cwd != "" {
		return cwd
	}
	if payload, ok := parsed["payload"].(map[string]any); ok {
		if cwd, ok := payload["cwd"].(string); ok && cwd != "" {
			return cwd
		}
	}
	return ""
}

// extractUserMessage finds user prompt text in a raw record, used only
// to seed the tracked file's first-message preview.
func extractUserMessage(parsed map[string]any) string {
	if payload, ok := parsed["payload"].(map[string]any); ok {
		if pt, _ := payload["type"].(string); pt == "user_message" {
			if msg, ok := payload["message"].(string); ok {
				return msg
			}
		}
	}
	return ""
}
