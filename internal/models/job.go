// -----------------------------------------------------------------------
// Job - configuration and observable state of one bot execution
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusInitializing JobStatus = "Initializing"
	JobStatusRunning      JobStatus = "Running"
	JobStatusStopping     JobStatus = "Stopping"
	JobStatusFinished     JobStatus = "Finished"
	JobStatusFailed       JobStatus = "Failed"
)

// IsTerminal reports whether no further transition can happen
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// DefaultOutputTemplate names a worksheet file. {worksheet} and {pid} are substituted.
const DefaultOutputTemplate = "{worksheet} - {pid}.xlsx"

// pidPattern keeps a pid usable as a single path element
var pidPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("pid", func(fl validator.FieldLevel) bool {
		return pidPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("basename", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return name != "." && name != ".." && filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
	})
	return v
}

// ValidatePID rejects pids that cannot name a job directory
func ValidatePID(pid string) error {
	if len(pid) > 64 || !pidPattern.MatchString(pid) {
		return &ConfigError{Field: "pid", Err: fmt.Errorf("invalid pid %q", pid)}
	}
	return nil
}

// JobConfig is supplied by the web layer and never changes after Setup
type JobConfig struct {
	PID            string            `json:"pid" validate:"required,max=64,pid"`
	Category       string            `json:"category" validate:"required"`
	System         string            `json:"system" validate:"required"`
	PartitionKey   string            `json:"partition_key,omitempty"` // Column driving partitioning, empty for none
	Input          string            `json:"input" validate:"required"`
	Credential     string            `json:"credential,omitempty"`
	OutputTemplate string            `json:"output_template,omitempty" validate:"omitempty,basename"`
	Options        map[string]string `json:"options,omitempty"`
}

// Validate checks required fields and returns a *ConfigError naming the first bad one
func (c *JobConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ConfigError{Field: strings.ToLower(fieldErrs[0].Field()), Err: err}
		}
		return &ConfigError{Err: err}
	}
	return nil
}

// Option returns a bot option, or fallback when unset
func (c *JobConfig) Option(key, fallback string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// OutputName renders the file name of a worksheet
func (c *JobConfig) OutputName(worksheet string) string {
	template := c.OutputTemplate
	if template == "" {
		template = DefaultOutputTemplate
	}
	return strings.NewReplacer("{worksheet}", worksheet, "{pid}", c.PID).Replace(template)
}

// JobSnapshot is a consistent, read-only view of a job record
type JobSnapshot struct {
	PID          string     `json:"pid"`
	Category     string     `json:"category"`
	System       string     `json:"system"`
	Status       JobStatus  `json:"status"`
	Row          int        `json:"row"`
	TotalRows    int        `json:"total_rows"`
	Remaining    int        `json:"remaining"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ResultLink   string     `json:"result_link,omitempty"`
	Error        string     `json:"error,omitempty"`
}
