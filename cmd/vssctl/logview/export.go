package logview

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vehiclesignals/vss-go/pkg/log"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Export writes the events of path that match filter to w as JSON lines
// or CSV.
func Export(path, format string, filter log.Filter, w io.Writer) error {
	if format != FormatJSONL && format != FormatCSV {
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer reader.Close()

	if format == FormatJSONL {
		return exportJSONL(reader, w)
	}
	return exportCSV(reader, w)
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for event, err := range reader.Events() {
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{"timestamp", "connection_id", "generation", "direction", "layer", "category", "type", "message_id", "operation", "status", "paths"}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for event, err := range reader.Events() {
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		var msgID, op, status, paths string
		if msg := event.Message; msg != nil {
			if msg.MessageID != 0 {
				msgID = strconv.FormatUint(uint64(msg.MessageID), 10)
			}
			if msg.Operation != nil {
				op = msg.Operation.String()
			}
			if msg.Status != nil {
				status = msg.Status.String()
			}
			paths = strings.Join(msg.Paths, ";")
		}
		row := []string{
			event.Timestamp.UTC().Format(timeFormat),
			event.ConnectionID,
			strconv.FormatUint(event.Generation, 10),
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			eventType(event),
			msgID,
			op,
			status,
			paths,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
