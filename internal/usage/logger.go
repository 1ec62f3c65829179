package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Logger appends usage entries to a JSONL file. Safe for concurrent use
// within one process; each entry is a single line so partial writes from a
// crash never corrupt earlier records.
type Logger struct {
	mu   sync.Mutex
	path string
}

func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	return &Logger{path: path}, nil
}

// Log appends one entry. A zero Timestamp is filled with the current time.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal usage entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write usage entry: %w", err)
	}
	return nil
}

// Load reads all entries from the log. Malformed lines are skipped.
func (l *Logger) Load() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// AggregateDaily groups entries by calendar day, oldest first.
func AggregateDaily(entries []Entry) []DailyUsage {
	byDay := make(map[string]*DailyUsage)
	modelsSeen := make(map[string]map[string]bool)

	for _, e := range entries {
		date := e.Timestamp.Format("2006-01-02")
		day, ok := byDay[date]
		if !ok {
			day = &DailyUsage{Date: date}
			byDay[date] = day
			modelsSeen[date] = make(map[string]bool)
		}
		day.InputTokens += e.InputTokens
		day.OutputTokens += e.OutputTokens
		if e.Model != "" && !modelsSeen[date][e.Model] {
			modelsSeen[date][e.Model] = true
			day.ModelsUsed = append(day.ModelsUsed, e.Model)
		}
	}

	days := make([]DailyUsage, 0, len(byDay))
	for _, day := range byDay {
		sort.Strings(day.ModelsUsed)
		days = append(days, *day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days
}
