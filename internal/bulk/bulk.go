// Package bulk processes tabular issuance requests: a CSV of service
// accounts becomes a set of independent issuance calls, one key pair per
// row, with per-row success or failure reporting.
package bulk

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Row is one bulk issuance request.
type Row struct {
	Username    string `json:"username"`
	OwnerID     string `json:"owner_id"`
	Purpose     string `json:"purpose"`
	Environment string `json:"environment"`
	Role        string `json:"role,omitempty"`
	ExpiryDays  int    `json:"expiry_days,omitempty"`
}

// rowSchema validates a single row before any key material is generated.
// Username follows Snowflake identifier rules; expiry is bounded the same
// way single issuance bounds it.
const rowSchema = `{
  "type": "object",
  "required": ["username", "owner_id", "purpose", "environment"],
  "properties": {
    "username": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_$]*$"
    },
    "owner_id": {
      "type": "string",
      "minLength": 1
    },
    "purpose": {
      "type": "string",
      "minLength": 1
    },
    "environment": {
      "type": "string",
      "enum": ["PROD", "STAGE", "DEV", "TEST"]
    },
    "role": {
      "type": "string"
    },
    "expiry_days": {
      "type": "integer",
      "minimum": 30,
      "maximum": 365
    }
  },
  "additionalProperties": false
}`

var schemaLoader = gojsonschema.NewStringLoader(rowSchema)

// Validate checks a row against the issuance schema. The returned error
// lists every violation, not just the first.
func (r Row) Validate() error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate row: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("invalid row for %q: %s", r.Username, strings.Join(problems, "; "))
}

// csvColumns is the expected header set. Order does not matter; unknown
// columns are rejected so a shifted spreadsheet fails loudly instead of
// issuing keys against the wrong fields.
var csvColumns = map[string]bool{
	"username":    true,
	"owner_id":    true,
	"purpose":     true,
	"environment": true,
	"role":        true,
	"expiry_days": true,
}

// ParseCSV reads rows from CSV input with a header line. Environments are
// uppercased so portal exports with mixed case pass schema validation.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty input: expected a header line")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if !csvColumns[name] {
			return nil, fmt.Errorf("unknown column %q (expected username, owner_id, purpose, environment, role, expiry_days)", col)
		}
		index[name] = i
	}
	for _, required := range []string{"username", "owner_id", "purpose", "environment"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []Row
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := Row{
			Username:    field(record, "username"),
			OwnerID:     field(record, "owner_id"),
			Purpose:     field(record, "purpose"),
			Environment: strings.ToUpper(field(record, "environment")),
			Role:        field(record, "role"),
		}
		if raw := field(record, "expiry_days"); raw != "" {
			days, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: expiry_days %q is not a number", line, raw)
			}
			row.ExpiryDays = days
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no data rows after the header")
	}
	return rows, nil
}
