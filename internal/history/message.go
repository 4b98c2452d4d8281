package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Message is one message within a turn. The store treats it as opaque:
// the only operations it needs are the textual rendering (for search
// and token counting) and JSON serialization (for the turn log).
type Message struct {
	Role    string `json:"role"` // user, assistant, tool
	Content string `json:"content"`
}

// Text renders the message for search and token counting.
func (m Message) Text() string {
	return fmt.Sprintf("%s: %s", m.Role, m.Content)
}

// turnRecord is the on-disk shape of a single turn: one self-describing
// JSON object per line. Messages are stored as a nested JSON string so
// a record parses or fails as a unit, independent of its neighbors.
type turnRecord struct {
	Timestamp    float64 `json:"timestamp"` // seconds since epoch
	MessagesJSON string  `json:"messages_json"`
}

// readTurnLog reads a chat's append-only turn log. Each line is parsed
// independently; malformed records are logged and skipped so a single
// corrupt line never costs the rest of the file. A missing file is an
// empty history.
func readTurnLog(path string, logger *slog.Logger) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open turn log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		turn, err := decodeTurnRecord(line)
		if err != nil {
			logger.Warn("skipping corrupted turn record",
				"path", path, "line", lineNum, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		// Keep whatever parsed before the read error.
		return turns, fmt.Errorf("read turn log: %w", err)
	}
	return turns, nil
}

func decodeTurnRecord(line []byte) (Turn, error) {
	var rec turnRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Turn{}, fmt.Errorf("parse record: %w", err)
	}

	var messages []Message
	if err := json.Unmarshal([]byte(rec.MessagesJSON), &messages); err != nil {
		return Turn{}, fmt.Errorf("parse messages: %w", err)
	}

	sec := int64(rec.Timestamp)
	nsec := int64((rec.Timestamp - float64(sec)) * 1e9)
	return Turn{Messages: messages, Timestamp: time.Unix(sec, nsec)}, nil
}

// appendTurnRecord serializes one turn and appends it to the log. Each
// record is written in a single call so a later partial write cannot
// corrupt earlier records.
func appendTurnRecord(path string, messages []Message, timestamp time.Time) error {
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	rec := turnRecord{
		Timestamp:    float64(timestamp.UnixNano()) / 1e9,
		MessagesJSON: string(messagesJSON),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}
