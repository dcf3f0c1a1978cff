package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/unclebandit/reelcast-backend/internal/model"
)

// readRecipients parses a CSV with a header row. name and phone columns are
// required; avatar_ref is optional. Column order does not matter.
func readRecipients(r io.Reader) ([]model.Recipient, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty recipients file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "phone"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []model.Recipient
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(out)+2, err)
		}
		// Blank rows still keep their index so rejections line up with the file.
		out = append(out, model.Recipient{
			Name:      field(rec, "name"),
			Phone:     field(rec, "phone"),
			AvatarRef: field(rec, "avatar_ref"),
		})
	}
	return out, nil
}
