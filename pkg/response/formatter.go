package response

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
)

// OutputFormat is the code(int) for each format
type OutputFormat int

const (
	// JSON displays the output in JSON format
	JSON OutputFormat = iota
	// HUMAN displays the outut in a way that's nice for humans to read
	HUMAN
	// TOML displays the output in TOML format
	TOML
	// YAML displays the output in YAML format
	YAML
	// CSV displays the output in CSV format
	CSV
)

// Formatter renders triage responses for the scan command
type Formatter struct {
	format OutputFormat
}

// NewFormatter creates new formatter
func NewFormatter(format string) (*Formatter, error) {
	outputFormat, err := GetOutputFormat(format)
	if err != nil {
		return nil, err
	}

	return &Formatter{format: outputFormat}, nil
}

// GetOutputFormat takes the string and returns OutputFormat or an error
func GetOutputFormat(format string) (OutputFormat, error) {
	format = strings.ToUpper(format)
	switch format {
	case "JSON":
		return JSON, nil
	case "HUMAN":
		return HUMAN, nil
	case "TOML":
		return TOML, nil
	case "YAML":
		return YAML, nil
	case "CSV":
		return CSV, nil
	default:
		return JSON, fmt.Errorf("invalid output format option: format=%q", format)
	}
}

// Format renders a response structure to the set format as a string
func (f *Formatter) Format(r *proto.Response) string {
	var output string
	switch f.format {
	case JSON:
		output = f.formatJSON(r)
	case HUMAN:
		output = f.formatHuman(r)
	case TOML:
		output = f.formatToml(r)
	case YAML:
		output = f.formatYaml(r)
	case CSV:
		output = f.formatCsv(r)
	}
	return output
}

func (f *Formatter) formatJSON(r *proto.Response) string {
	out, err := json.Marshal(r)
	if err != nil {
		logger.Error("could not marshal response: error=%q", err)
	}
	return string(out)
}

func (f *Formatter) formatHuman(r *proto.Response) string {
	var out strings.Builder

	_, _ = fmt.Fprintf(&out, "%-9s: %s\n", "Hash", r.Hash)
	_, _ = fmt.Fprintf(&out, "%-9s: %s\n", "Verdict", r.Verdict)
	_, _ = fmt.Fprintf(&out, "%-9s: %s\n", "Severity", r.Severity)
	_, _ = fmt.Fprintf(&out, "%-9s: %d\n", "Score", r.Score)

	rows := flattenedResponse(r, false)
	if len(rows) == 0 {
		return out.String()
	}

	data := [][]string{findingFields()}
	for _, row := range rows {
		// The hash is already in the summary above
		data = append(data, row[1:])
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		logger.Error("could not render response: error=%q", err)
		return out.String()
	}

	out.WriteRune('\n')
	out.WriteString(table)
	out.WriteRune('\n')

	return out.String()
}

func (f *Formatter) formatToml(r *proto.Response) string {
	var buf bytes.Buffer

	if err := toml.NewEncoder(&buf).Encode(r); err != nil {
		logger.Error("could not marshal response: error=%q", err)
	}
	return buf.String()
}

func (f *Formatter) formatYaml(r *proto.Response) string {
	out, err := yaml.Marshal(r)
	if err != nil {
		logger.Error("could not marshal response: error=%q", err)
	}
	return string(out)
}

func (f *Formatter) formatCsv(r *proto.Response) string {
	headers := append([]string{"HASH"}, findingFields()...)
	headers = append(headers, "VERDICT", "SEVERITY", "SCORE")

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	err := writer.Write(headers)
	if err != nil {
		logger.Error("could not write response: error=%q", err)
	}

	rows := flattenedResponse(r, true)
	if len(rows) == 0 {
		// Keep the verdict visible even without findings
		rows = append(rows, []string{r.Hash, "", "", "", ""})
	}

	for i := range rows {
		rows[i] = append(rows[i], string(r.Verdict), string(r.Severity), strconv.Itoa(r.Score))
	}

	err = writer.WriteAll(rows)
	if err != nil {
		logger.Error("could not write response: error=%q", err)
	}

	return buf.String()
}

// findingFields provides the column labels for a flattened finding
func findingFields() []string {
	return []string{"CATEGORY", "RULE_NAME", "DESCRIPTION", "FINDING.SEVERITY"}
}

// flattenedResponse returns one row per finding, hash first then the
// findingFields columns, ordered by category then rule name
func flattenedResponse(r *proto.Response, sanitize bool) [][]string {
	categories := make([]string, 0, len(r.Results))
	for category := range r.Results {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var flattened [][]string
	for _, category := range categories {
		for _, finding := range r.Results[category] {
			entry := []string{
				r.Hash,
				category,
				finding.RuleName,
				finding.Description,
				strconv.Itoa(finding.Severity),
			}
			if sanitize {
				entry = sanitizeEntry(entry)
			}
			flattened = append(flattened, entry)
		}
	}

	return flattened
}

// sanitizeEntry makes entries safe for CSV by flattening newlines
func sanitizeEntry(value []string) []string {
	output := make([]string, 0, len(value))
	for _, entry := range value {
		output = append(output, strings.ReplaceAll(entry, "\n", " "))
	}
	return output
}
