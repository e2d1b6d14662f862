package models

import (
	"context"
	"io"
	"strings"
)

// Worksheet names used by every bot for the failure sink
const WorksheetErrors = "Erros"

// Field is one column of a result record
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ResultRecord is a row destined for a worksheet of a result file. Field order is column order.
type ResultRecord struct {
	Worksheet string  `json:"worksheet"`
	Row       int     `json:"row"`
	Fields    []Field `json:"fields"`
}

// NewResultRecord builds a record from alternating key, value pairs
func NewResultRecord(worksheet string, row int, kv ...string) ResultRecord {
	rec := ResultRecord{Worksheet: worksheet, Row: row}
	for i := 0; i+1 < len(kv); i += 2 {
		rec.Fields = append(rec.Fields, Field{Key: kv[i], Value: kv[i+1]})
	}
	return rec
}

// Set replaces the value of key or appends a new column
func (r *ResultRecord) Set(key, value string) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
}

// Get returns the value of key
func (r ResultRecord) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Row is one input row. Values are keyed by upper-cased header.
type Row struct {
	Index  int               `json:"index"` // Zero-based position in the input
	Values map[string]string `json:"values"`
}

// Number is the 1-based row number shown to observers
func (r Row) Number() int {
	return r.Index + 1
}

// Get returns the trimmed cell of column (case-insensitive)
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Values[strings.ToUpper(column)])
}

// OutcomeKind tags a row result
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// DownloadTask is an artifact a row hands to the job's download pipeline
type DownloadTask struct {
	FileName string
	Fetch    func(ctx context.Context, w io.Writer) error
}

// RowOutcome is what a bot returns for a row
type RowOutcome struct {
	Kind     OutcomeKind
	Message  string
	Err      error
	Records  []ResultRecord
	Download *DownloadTask
}

// Success reports a processed row together with its result records
func Success(message string, records ...ResultRecord) RowOutcome {
	return RowOutcome{Kind: OutcomeSuccess, Message: message, Records: records}
}

// NotFound reports that the target had nothing for the row
func NotFound(message string) RowOutcome {
	return RowOutcome{Kind: OutcomeNotFound, Message: message}
}

// Failure reports a row error
func Failure(err error) RowOutcome {
	return RowOutcome{Kind: OutcomeError, Err: err, Message: errMessage(err)}
}

// WithDownload defers settling the row until task has been downloaded
func (o RowOutcome) WithDownload(task DownloadTask) RowOutcome {
	o.Download = &task
	return o
}

// Describe returns the message observers see for the outcome
func (o RowOutcome) Describe() string {
	if o.Message != "" {
		return o.Message
	}
	switch o.Kind {
	case OutcomeSuccess:
		return "Execução Efetuada com sucesso!"
	case OutcomeNotFound:
		return "Nenhum processo encontrado"
	default:
		return errMessage(o.Err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return "Erro ao executar operação"
	}
	return err.Error()
}
