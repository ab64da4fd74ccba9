package redact

import (
	"io"
	"strings"
)

// StreamingRestorer restores placeholders while reading from src, holding
// back only the tail that could still be the start of a placeholder.
type StreamingRestorer struct {
	src          io.Reader
	replacer     *strings.Replacer
	placeholders []string
	maxTokenLen  int
	carry        string
	buf          []byte
	out          []byte
	eof          bool
}

// NewStreamingRestorer wraps src.
func NewStreamingRestorer(src io.Reader, items []Item) *StreamingRestorer {
	s := &StreamingRestorer{src: src, buf: make([]byte, 4096)}
	pairs := make([]string, 0, len(items)*2)
	for _, item := range items {
		pairs = append(pairs, item.Placeholder, item.Original)
		s.placeholders = append(s.placeholders, item.Placeholder)
		if len(item.Placeholder) > s.maxTokenLen {
			s.maxTokenLen = len(item.Placeholder)
		}
	}
	if len(pairs) > 0 {
		s.replacer = strings.NewReplacer(pairs...)
	}
	return s
}

func (s *StreamingRestorer) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		n, err := s.src.Read(s.buf)
		if n > 0 {
			s.process(string(s.buf[:n]), false)
		}
		if err == io.EOF {
			s.process("", true)
			s.eof = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *StreamingRestorer) process(chunk string, flush bool) {
	combined := s.carry + chunk
	if s.replacer == nil {
		s.out = append(s.out, combined...)
		s.carry = ""
		return
	}
	if flush {
		s.out = append(s.out, s.replacer.Replace(combined)...)
		s.carry = ""
		return
	}
	tail := s.pendingPrefixLen(combined)
	s.carry = combined[len(combined)-tail:]
	s.out = append(s.out, s.replacer.Replace(combined[:len(combined)-tail])...)
}

// pendingPrefixLen returns the length of the longest suffix of text that is
// a proper prefix of some placeholder.
func (s *StreamingRestorer) pendingPrefixLen(text string) int {
	limit := min(s.maxTokenLen-1, len(text))
	for size := limit; size > 0; size-- {
		suffix := text[len(text)-size:]
		for _, placeholder := range s.placeholders {
			if size < len(placeholder) && strings.HasPrefix(placeholder, suffix) {
				return size
			}
		}
	}
	return 0
}
