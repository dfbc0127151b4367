package records

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxRowSize = 4 << 20

// ParseRows reads input rows from r. A JSON array of objects and
// newline-delimited JSON objects are both accepted.
func ParseRows(r io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var rows []map[string]any
		if err := json.NewDecoder(br).Decode(&rows); err != nil {
			return nil, fmt.Errorf("decoding JSON array: %w", err)
		}
		return rows, nil
	}

	var rows []map[string]any
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), maxRowSize)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, fmt.Errorf("decoding line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return rows, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
