package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds one JSONL record; sanitized text can be long.
const maxLineBytes = 8 << 20

// Walk calls fn for every well-formed entry in a JSONL audit log, in file
// order, until fn returns false. A missing file has no entries. Malformed
// lines are counted and skipped.
func Walk(path string, fn func(Entry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		if !fn(entry) {
			break
		}
	}
	if skipped > 0 {
		log.Warn().Str("path", path).Int("skipped", skipped).Msg("malformed audit lines ignored")
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}

// ParseFile loads every entry of a JSONL audit log.
func ParseFile(path string) ([]Entry, error) {
	var entries []Entry
	err := Walk(path, func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
