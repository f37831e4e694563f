package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"odomconv/internal/replay"
)

type logSummary struct {
	Segments    int
	Records     int
	MaxDuration time.Duration
	TopicCounts map[string]int
}

func summarizeEnvelopeLog(records []replay.Record) logSummary {
	s := logSummary{TopicCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	origin := time.Duration(0)
	hasRecords := false
	segments := 0

	for _, r := range records {
		if r.Envelope == nil {
			segments++
			origin = r.At
			continue
		}
		hasRecords = true

		s.Records++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}
		s.TopicCounts[r.Envelope.Topic]++
	}
	if segments == 0 && hasRecords {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeEnvelopeLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "records: %d\n", s.Records)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	topics := make([]string, 0, len(s.TopicCounts))
	for k := range s.TopicCounts {
		topics = append(topics, k)
	}
	sort.Strings(topics)
	fmt.Fprintf(w, "topic_counts:\n")
	for _, k := range topics {
		fmt.Fprintf(w, "  %s: %d\n", k, s.TopicCounts[k])
	}
	return nil
}
