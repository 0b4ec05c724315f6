// Command event-tree prints the event journal of a chatstream server as a
// tree rooted at a process.started event.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/gosuri/uitable"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stupiduntilnot/chatstream/internal/db"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("[event-tree] %v", err)
	}
}

type options struct {
	dbPath    string
	eventID   int64
	role      string
	maxDepth  int
	jsonOut   bool
	stats     bool
	noPayload bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("event-tree", flag.ContinueOnError)
	fs.StringVar(&opts.dbPath, "db", envOrDefault("CHATSTREAM_DB_PATH", "./data/chatstream.db"), "SQLite database path")
	fs.Int64Var(&opts.eventID, "id", 0, "show subtree of a specific event ID")
	fs.StringVar(&opts.role, "role", "server", "process role used to pick the latest root")
	fs.IntVar(&opts.maxDepth, "L", 0, "limit display depth (0 = unlimited)")
	fs.BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	fs.BoolVar(&opts.stats, "stats", false, "print event counts by type instead of the tree")
	fs.BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	database, err := sql.Open("sqlite3", opts.dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := database.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := opts.eventID
	if rootID == 0 {
		rootID, err = db.LatestRoot(database, opts.role)
		if err != nil {
			return fmt.Errorf("find %s root: %w", opts.role, err)
		}
	}

	root, err := db.Subtree(database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	switch {
	case opts.stats:
		printStats(out, root)
	case opts.jsonOut:
		return printJSON(out, root, opts.maxDepth, opts.noPayload)
	default:
		printTree(out, root, "", true, 1, opts.maxDepth, opts.noPayload)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printTree renders the event tree using box-drawing characters.
func printTree(out io.Writer, ev *db.Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(out, line)
	} else {
		fmt.Fprintln(out, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(out, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		printTree(out, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}
	m := decodePayload(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

func decodePayload(ev *db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// printStats tabulates the subtree by event type, with the total time spent
// in streams that reported elapsed_ms.
func printStats(out io.Writer, root *db.Event) {
	counts := map[string]int{}
	elapsed := map[string]int64{}
	var walk func(ev *db.Event)
	walk = func(ev *db.Event) {
		counts[ev.EventType]++
		if v, ok := decodePayload(ev)["elapsed_ms"].(float64); ok {
			elapsed[ev.EventType] += int64(v)
		}
		for _, c := range ev.Children {
			walk(c)
		}
	}
	walk(root)

	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)

	table := uitable.New()
	table.AddRow("EVENT", "COUNT", "ELAPSED")
	for _, typ := range types {
		e := "-"
		if ms, ok := elapsed[typ]; ok {
			e = (time.Duration(ms) * time.Millisecond).String()
		}
		table.AddRow(typ, counts[typ], e)
	}
	fmt.Fprintln(out, table)
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload {
		if m := decodePayload(ev); m != nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(out io.Writer, root *db.Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
