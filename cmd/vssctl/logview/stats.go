package logview

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Operations        map[wire.Operation]int
	FailedResponses   map[wire.Status]int
	Connections       map[string]*ConnectionStats
	Errors            int
	Start, End        time.Time
}

// ConnectionStats holds statistics for one channel.
type ConnectionStats struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	Generation    uint64
	Transport     string
	Notifications int
}

// Collect reads path and aggregates its events.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Operations:        make(map[wire.Operation]int),
		FailedResponses:   make(map[wire.Status]int),
		Connections:       make(map[string]*ConnectionStats),
	}
	for event, err := range reader.Events() {
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.Start.IsZero() || event.Timestamp.Before(s.Start) {
		s.Start = event.Timestamp
	}
	if event.Timestamp.After(s.End) {
		s.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.Generation > conn.Generation {
		conn.Generation = event.Generation
	}
	if conn.Transport == "" {
		conn.Transport = event.Transport
	}

	if msg := event.Message; msg != nil {
		switch msg.Type {
		case wire.MessageTypeRequest:
			if msg.Operation != nil {
				s.Operations[*msg.Operation]++
			}
		case wire.MessageTypeResponse:
			if msg.Status != nil && *msg.Status != wire.StatusSuccess {
				s.FailedResponses[*msg.Status]++
			}
		case wire.MessageTypeNotification:
			conn.Notifications++
		}
	}
	if event.Error != nil {
		s.Errors++
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Broker Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", stats.Start.Format(time.RFC3339), stats.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.End.Sub(stats.Start).Round(time.Second))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.Operations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Requests:")
		ops := make([]wire.Operation, 0, len(stats.Operations))
		for op := range stats.Operations {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
		for _, op := range ops {
			fmt.Fprintf(w, "  %-14s %d\n", op.String()+":", stats.Operations[op])
		}
	}

	if len(stats.FailedResponses) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failed Responses:")
		codes := make([]wire.Status, 0, len(stats.FailedResponses))
		for code := range stats.FailedResponses {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		for _, code := range codes {
			fmt.Fprintf(w, "  %-20s %d\n", code.String()+":", stats.FailedResponses[code])
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.Transport != "" {
				fmt.Fprintf(w, "           Transport: %s\n", c.stats.Transport)
			}
			if c.stats.Generation != 0 {
				fmt.Fprintf(w, "           Generation: %d\n", c.stats.Generation)
			}
			if c.stats.Notifications > 0 {
				fmt.Fprintf(w, "           Notifications: %d\n", c.stats.Notifications)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
