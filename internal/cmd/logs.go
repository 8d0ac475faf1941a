package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the debug log",
	Long: `View and filter the debug log in the state directory.

Examples:
  # Show the last 50 entries
  cadence logs

  # Show everything
  cadence logs -n 0

  # Follow the log while 'cadence run' works in another terminal
  cadence logs -f

  # Only warnings and errors from the last hour
  cadence logs --level warn --since 1h

  # Search messages and fields
  cadence logs --grep "handoff|recovery"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries matching pattern (regex)")
}

// logEntry is a parsed JSON log line.
type logEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Extra     map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "component", "session_id", "phase", "task_id"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter holds the parsed filter flags.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
}

func levelStyle(level string) string {
	upper := strings.ToUpper(level)
	switch upper {
	case logging.LevelDebug:
		return display.Muted.Render(upper)
	case logging.LevelInfo:
		return display.Info.Render(upper)
	case logging.LevelWarn:
		return display.Warning.Render(upper)
	case logging.LevelError:
		return display.Error.Render(upper)
	default:
		return upper
	}
}

func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// formatLogEntry renders an entry for the terminal. Extra fields are
// printed in key order so the output is stable.
func formatLogEntry(entry *logEntry) string {
	var sb strings.Builder
	sb.WriteString(display.Muted.Render("[" + entry.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" [" + levelStyle(entry.Level) + "] ")
	sb.WriteString(entry.Msg)

	field := func(key string, value any) {
		sb.WriteString(" ")
		sb.WriteString(display.Info.Render(key + "="))
		sb.WriteString(fmt.Sprintf("%v", value))
	}
	if entry.Component != "" {
		field("component", entry.Component)
	}
	if entry.Phase != "" {
		field("phase", entry.Phase)
	}
	if entry.TaskID != "" {
		field("task_id", entry.TaskID)
	}

	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, entry.Extra[k])
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	out := cmd.OutOrStdout()
	logPath := filepath.Join(p.stateDir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No debug log found.")
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	filter := logFilter{minLevel: -1}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = now().Add(-d)
	}
	if logsGrep != "" {
		filter.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLogs(ctx, out, logPath, filter)
	}
	return displayLogs(out, logPath, logsTail, filter)
}

// displayLogs prints the last tail matching entries.
func displayLogs(w io.Writer, logPath string, tail int, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line, ok := renderLogLine(scanner.Text(), filter); ok {
			entries = append(entries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(w, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No matching log entries found.")
	}
	return nil
}

// followLogs prints entries appended to the log until ctx is done.
func followLogs(ctx context.Context, w io.Writer, logPath string, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(w, "Following %s... (Ctrl+C to stop)\n\n", logPath)

	reader := bufio.NewReader(file)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		partial += chunk
		switch {
		case err == nil:
			if line, ok := renderLogLine(partial, filter); ok {
				fmt.Fprintln(w, line)
			}
			partial = ""
			continue
		case err != io.EOF:
			return fmt.Errorf("error reading log file: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// renderLogLine parses and filters one raw line. Lines that are not JSON
// are shown as they are.
func renderLogLine(raw string, filter logFilter) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var entry logEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return raw, true
	}
	if !passesFilters(&entry, filter) {
		return "", false
	}
	return formatLogEntry(&entry), true
}

// passesFilters checks an entry against every filter.
func passesFilters(entry *logEntry, f logFilter) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}
