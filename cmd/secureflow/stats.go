package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"secureflow/internal/audit"
	"secureflow/internal/stats"
)

var (
	statsWatch   bool
	statsRecent  bool
	statsExport  string
	statsSubject string
	statsURL     string
	statsAPIKey  string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit log",
	Long: `Stats aggregates audit entries into scan counts, entity counts by type
and latency. It reads the local audit log, or a running server's /v1/stats
endpoint when --url is given.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsWatch, "watch", false, "refresh every two seconds")
	statsCmd.Flags().BoolVar(&statsRecent, "recent", false, "show recent scans")
	statsCmd.Flags().StringVar(&statsExport, "export", "", "export format: json|csv")
	statsCmd.Flags().StringVar(&statsSubject, "subject", "", "only count this subject")
	statsCmd.Flags().StringVar(&statsURL, "url", "", "read stats from a running server, e.g. http://127.0.0.1:8080")
	statsCmd.Flags().StringVar(&statsAPIKey, "api-key", os.Getenv("SECUREFLOW_API_KEY"), "API key for --url")
}

// statsSource produces a fresh snapshot on every call.
type statsSource func(ctx context.Context) (stats.Stats, error)

func runStats(cmd *cobra.Command, args []string) error {
	src, cleanup, err := newStatsSource()
	if err != nil {
		return err
	}
	defer cleanup()

	w := cmd.OutOrStdout()
	render := func() (string, error) {
		st, err := src(cmd.Context())
		if err != nil {
			return "", err
		}
		var buf strings.Builder
		if err := renderStatsTo(&buf, st, statsRecent, statsExport); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	if !statsWatch {
		out, err := render()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, out)
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	tty := statsExport == "" && isTerminal()
	if tty {
		fmt.Fprint(w, "\033[?25l")
		defer fmt.Fprint(w, "\033[?25h")
	}
	return watchStatsLoop(w, tty, render, ticker.C, sigCh)
}

func newStatsSource() (statsSource, func(), error) {
	if statsURL != "" {
		client := &http.Client{Timeout: 3 * time.Second}
		return func(ctx context.Context) (stats.Stats, error) {
			return fetchServerStats(ctx, client, statsURL, statsAPIKey)
		}, func() {}, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := audit.Open(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	src := func(ctx context.Context) (stats.Stats, error) {
		entries, err := store.List(ctx, audit.Query{Subject: statsSubject})
		if err != nil {
			return stats.Stats{}, err
		}
		return stats.CollectFromEntries(entries, stats.Options{Now: time.Now().UTC(), Subject: statsSubject}), nil
	}
	return src, func() { _ = store.Close() }, nil
}

func watchStatsLoop(w io.Writer, clearScreen bool, render func() (string, error), ticks <-chan time.Time, stop <-chan os.Signal) error {
	for {
		out, err := render()
		if err != nil {
			return err
		}
		if clearScreen {
			fmt.Fprint(w, "\033[H\033[2J\033[3J")
		}
		fmt.Fprint(w, out)
		select {
		case <-ticks:
		case <-stop:
			return nil
		}
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func fetchServerStats(ctx context.Context, client *http.Client, baseURL, apiKey string) (stats.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/stats", nil)
	if err != nil {
		return stats.Stats{}, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return stats.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats.Stats{}, fmt.Errorf("stats API status %d", resp.StatusCode)
	}
	var st stats.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return stats.Stats{}, err
	}
	return st, nil
}

func renderStatsTo(w io.Writer, st stats.Stats, recent bool, export string) error {
	switch strings.ToLower(export) {
	case "":
		if recent {
			printRecent(w, st)
			return nil
		}
		printSummary(w, st)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "csv":
		if !recent {
			return fmt.Errorf("csv export requires --recent")
		}
		return exportRecentCSV(w, st.Recent)
	default:
		return fmt.Errorf("unsupported export format %q", export)
	}
}

func printSummary(w io.Writer, st stats.Stats) {
	fmt.Fprintln(w, "SecureFlow Statistics")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	if st.Subject != "" {
		fmt.Fprintf(w, "Subject:     %s\n", st.Subject)
	}
	fmt.Fprintf(w, "Scans:       %d (%d text, %d file)\n", st.Scans.Total, st.Scans.Text, st.Scans.File)
	fmt.Fprintf(w, "Rate:        %.1f/min last 5m\n", st.Scans.PerMinute)
	fmt.Fprintf(w, "Latency:     avg %.1fms | max %dms\n", st.Latency.AvgMs, st.Latency.MaxMs)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Entities")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	types := make([]string, 0, len(st.Entities.ByType))
	for k := range st.Entities.ByType {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, t := range types {
		v := st.Entities.ByType[t]
		fmt.Fprintf(w, "%-14s %5d %s\n", t+":", v, progress(v, st.Entities.Total))
	}
	fmt.Fprintf(w, "Total:         %d\n\n", st.Entities.Total)

	fmt.Fprintln(w, "Top Types")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	for _, t := range st.TopTypes {
		fmt.Fprintf(w, "%-24s %d\n", t.Type, t.Count)
	}
}

func printRecent(w io.Writer, st stats.Stats) {
	fmt.Fprintf(w, "Recent Scans (last %d)\n", len(st.Recent))
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "%-10s %-16s %-10s %-20s %-22s %-8s\n", "TIME", "SUBJECT", "EVENT", "FILE", "ENTITIES", "LATENCY")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range st.Recent {
		file := r.FileName
		if file == "" {
			file = "-"
		}
		fmt.Fprintf(w, "%-10s %-16s %-10s %-20s %-22s %dms\n", r.Timestamp.Local().Format("15:04:05"), r.Subject, r.EventType, file, summaryLabel(r.Summary), r.LatencyMs)
	}
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "Showing %d of %d total scans\n", len(st.Recent), st.Scans.Total)
}

func progress(v, total int) string {
	if total <= 0 {
		return ""
	}
	p := int(float64(v) / float64(total) * 20)
	if p > 20 {
		p = 20
	}
	return strings.Repeat("█", p) + strings.Repeat("░", 20-p)
}

func summaryLabel(summary map[string]int) string {
	if len(summary) == 0 {
		return "-"
	}
	types := make([]string, 0, len(summary))
	for t := range summary {
		types = append(types, t)
	}
	// Most frequent first, ties by type name.
	sort.Slice(types, func(i, j int) bool {
		if summary[types[i]] != summary[types[j]] {
			return summary[types[i]] > summary[types[j]]
		}
		return types[i] < types[j]
	})
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%d %s", summary[t], t)
	}
	return strings.Join(parts, ", ")
}

func exportRecentCSV(w io.Writer, rows []stats.RecentScan) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "id", "subject", "event_type", "file_name", "entity_types", "entity_count", "latency_ms"}); err != nil {
		return err
	}
	for _, r := range rows {
		types := make([]string, 0, len(r.Summary))
		for t := range r.Summary {
			types = append(types, t)
		}
		sort.Strings(types)
		if err := cw.Write([]string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.ID,
			r.Subject,
			r.EventType,
			r.FileName,
			strings.Join(types, "|"),
			strconv.Itoa(r.Entities),
			strconv.FormatInt(r.LatencyMs, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
